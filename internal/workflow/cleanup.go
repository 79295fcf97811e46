package workflow

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
)

// CleanupExecutor removes the local source file of a completed job. It is
// best effort: a failure is recorded on the cleanup stage and the job stays
// completed.
type CleanupExecutor struct {
	coord  *Coordinator
	videos VideoStore
	remove func(string) error
	logger *slog.Logger
}

func NewCleanupExecutor(coord *Coordinator, videos VideoStore, logger *slog.Logger) *CleanupExecutor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &CleanupExecutor{
		coord:  coord,
		videos: videos,
		remove: os.Remove,
		logger: logging.NewComponentLogger(logger, "cleanup"),
	}
}

// Run performs cleanup for jobID.
func (c *CleanupExecutor) Run(ctx context.Context, jobID string) error {
	j, err := c.coord.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		c.logger.Debug("cleanup skipped; job gone", logging.String(logging.FieldJobID, jobID))
		return nil
	}
	if err != nil {
		return err
	}
	logger := c.logger.With(
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldVideoID, j.VideoID),
	)
	if j.Status != jobs.StatusCompleted {
		logger.Info("cleanup skipped; job not completed", logging.String("status", string(j.Status)))
		return nil
	}
	if j.Stage(jobs.StageCleanup).Status == jobs.StageCompleted {
		return nil
	}

	if _, err := c.coord.AdvanceStage(ctx, j.ID, jobs.StageCleanup, 0, jobs.StageProcessing); err != nil {
		return err
	}
	path, err := c.removeSource(ctx, j)
	if err != nil {
		logging.WarnWithContext(logger, "cleanup failed", "cleanup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the source file manually"),
			logging.String(logging.FieldImpact, "local disk space is not reclaimed"),
		)
		_, err := c.coord.FailStage(ctx, j.ID, jobs.StageCleanup, jobs.NewStageError(jobs.StageCleanup, "", err))
		return err
	}
	var refs map[string]string
	if path != "" {
		refs = map[string]string{RefRemovedPath: path}
	}
	if _, err := c.coord.CompleteStage(ctx, j.ID, jobs.StageCleanup, refs); err != nil {
		return err
	}
	logger.Info("cleanup completed", logging.String("path", path))
	return nil
}

func (c *CleanupExecutor) removeSource(ctx context.Context, j jobs.Job) (string, error) {
	video, err := c.videos.GetVideo(ctx, j.VideoID)
	if errors.Is(err, jobs.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(video.LocalPath)
	if path == "" {
		return "", nil
	}
	if err := c.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return path, nil
}
