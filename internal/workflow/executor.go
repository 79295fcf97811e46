package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/services"
	"vidflow/internal/services/summarize"
	"vidflow/internal/services/transcription"
	"vidflow/internal/storage"
)

// External reference keys recorded on stages.
const (
	RefPublicID        = "public_id"
	RefURL             = "url"
	RefTranscriptionID = "transcription_id"
	RefConfidence      = "confidence"
	RefTokensUsed      = "tokens_used"
	RefRemovedPath     = "removed_path"
)

const (
	shutdownGrace       = 10 * time.Second
	progressStep        = 10
	maxPollProgress     = 90
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 30 * time.Minute
)

// ObjectStorage uploads source videos.
type ObjectStorage interface {
	Upload(ctx context.Context, localPath string) (storage.Object, error)
	Delete(ctx context.Context, publicID string) error
}

// Transcriber starts and polls remote transcriptions. FetchResult returns
// transcription.ErrNotReady until the transcript is available.
type Transcriber interface {
	Submit(ctx context.Context, audioURL string) (string, error)
	FetchResult(ctx context.Context, id string) (transcription.Result, error)
}

// Summarizer turns a transcript into a summary.
type Summarizer interface {
	Generate(ctx context.Context, text string, opts summarize.Options) (summarize.Result, error)
}

// ExecutorOptions tune stage execution.
type ExecutorOptions struct {
	TranscriptPollInterval time.Duration
	TranscriptPollTimeout  time.Duration
	Summary                summarize.Options
}

// Executor runs the pipeline stages of a claimed job in order. Cancellation
// is observed between stages and between transcription polls; results that
// arrive after the job left processing are discarded.
type Executor struct {
	coord       *Coordinator
	videos      VideoStore
	objects     ObjectStorage
	transcriber Transcriber
	summarizer  Summarizer
	opts        ExecutorOptions
	logger      *slog.Logger
}

func NewExecutor(coord *Coordinator, videos VideoStore, objects ObjectStorage, transcriber Transcriber, summarizer Summarizer, opts ExecutorOptions, logger *slog.Logger) *Executor {
	if opts.TranscriptPollInterval <= 0 {
		opts.TranscriptPollInterval = defaultPollInterval
	}
	if opts.TranscriptPollTimeout <= 0 {
		opts.TranscriptPollTimeout = defaultPollTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		coord:       coord,
		videos:      videos,
		objects:     objects,
		transcriber: transcriber,
		summarizer:  summarizer,
		opts:        opts,
		logger:      logging.NewComponentLogger(logger, "executor"),
	}
}

// Run executes every remaining pipeline stage of j. Stage failures are
// recorded on the job and do not produce an error; the returned error is
// reserved for persistence problems.
func (e *Executor) Run(ctx context.Context, j jobs.Job) error {
	logger := e.logger.With(
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldVideoID, j.VideoID),
	)
	for {
		cur, err := e.coord.Get(ctx, j.ID)
		if errors.Is(err, jobs.ErrNotFound) {
			logger.Info("job removed during execution; stopping")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.failOnShutdown(ctx, j.ID, err, logger)
			}
			return err
		}
		if cur.Status != jobs.StatusProcessing {
			logger.Info("job left processing; stopping", logging.String("status", string(cur.Status)))
			return nil
		}
		stage, ok := jobs.NextStage(cur)
		if !ok {
			return nil
		}
		if err := e.runStage(ctx, cur, stage, logger.With(logging.String(logging.FieldStage, string(stage)))); err != nil {
			if isDiscard(err) {
				logger.Info("stage result discarded",
					logging.String(logging.FieldStage, string(stage)),
					logging.String("reason", err.Error()),
				)
				return nil
			}
			if ctx.Err() != nil {
				return e.failOnShutdown(ctx, j.ID, err, logger)
			}
			return err
		}
	}
}

// failOnShutdown fails the current stage of a job whose worker context ended
// between stage operations, so the job does not stay processing without a
// claimant.
func (e *Executor) failOnShutdown(ctx context.Context, jobID string, cause error, logger *slog.Logger) error {
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	cur, err := e.coord.Get(graceCtx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status != jobs.StatusProcessing {
		return nil
	}
	stage, ok := jobs.NextStage(cur)
	if !ok {
		return cause
	}
	logging.WarnWithContext(logger, "worker stopped mid-job", "worker_shutdown",
		logging.String(logging.FieldStage, string(stage)),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "job marked failed; retry it to resume"),
	)
	_, err = e.coord.FailStage(graceCtx, jobID, stage, jobs.NewStageError(stage, "worker_shutdown", cause))
	return err
}

func (e *Executor) runStage(ctx context.Context, j jobs.Job, stage jobs.Stage, logger *slog.Logger) error {
	if _, err := e.coord.AdvanceStage(ctx, j.ID, stage, 0, jobs.StageProcessing); err != nil {
		return err
	}
	logger.Info("stage started")
	started := time.Now()

	var (
		refs   map[string]string
		runErr error
	)
	switch stage {
	case jobs.StageUpload:
		refs, runErr = e.upload(ctx, j)
	case jobs.StageTranscription:
		refs, runErr = e.transcribe(ctx, j, logger)
	case jobs.StageSummarization:
		refs, runErr = e.summarize(ctx, j)
	default:
		runErr = fmt.Errorf("stage %s is not a pipeline stage", stage)
	}

	if runErr != nil {
		if isDiscard(runErr) {
			return runErr
		}
		failCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			failCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			runErr = jobs.NewStageError(stage, "worker_shutdown", runErr)
		}
		var stageErr *jobs.StageError
		if !errors.As(runErr, &stageErr) {
			stageErr = jobs.NewStageError(stage, services.Code(runErr), runErr)
		}
		logging.WarnWithContext(logger, "stage failed", "stage_failed",
			logging.String("error_code", stageErr.Code),
			logging.Error(runErr),
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldErrorHint, "inspect the job error and retry once the cause is fixed"),
			logging.String(logging.FieldImpact, "job marked failed"),
		)
		_, err := e.coord.FailStage(failCtx, j.ID, stage, stageErr)
		return err
	}

	if _, err := e.coord.CompleteStage(ctx, j.ID, stage, refs); err != nil {
		return err
	}
	logger.Info("stage completed", logging.Duration("elapsed", time.Since(started)))
	return nil
}

func (e *Executor) upload(ctx context.Context, j jobs.Job) (map[string]string, error) {
	video, err := e.videos.GetVideo(ctx, j.VideoID)
	if err != nil {
		return nil, jobs.NewStageError(jobs.StageUpload, "video_not_found", err)
	}
	if strings.TrimSpace(video.LocalPath) == "" {
		return nil, jobs.NewStageError(jobs.StageUpload, "local_path_missing", errors.New("video has no local file"))
	}
	obj, err := e.objects.Upload(ctx, video.LocalPath)
	if err != nil {
		return nil, services.Wrap(services.ErrExternal, "storage", "upload", "", err)
	}
	if err := e.ensureActive(ctx, j.ID); err != nil {
		return nil, err
	}
	return map[string]string{RefPublicID: obj.PublicID, RefURL: obj.URL}, nil
}

func (e *Executor) transcribe(ctx context.Context, j jobs.Job, logger *slog.Logger) (map[string]string, error) {
	remoteID := j.Stage(jobs.StageTranscription).ExternalRefs[RefTranscriptionID]
	reused := remoteID != ""
	if !reused {
		id, err := e.submitTranscription(ctx, j, logger)
		if err != nil {
			return nil, err
		}
		remoteID = id
	}

	deadline := time.Now().Add(e.opts.TranscriptPollTimeout)
	progress := 0
	for {
		result, err := e.transcriber.FetchResult(ctx, remoteID)
		if err == nil {
			if err := e.ensureActive(ctx, j.ID); err != nil {
				return nil, err
			}
			if err := e.videos.SaveTranscript(ctx, j.VideoID, result.Text, result.Confidence); err != nil {
				return nil, jobs.NewStageError(jobs.StageTranscription, "transcript_save_failed", err)
			}
			return map[string]string{
				RefTranscriptionID: remoteID,
				RefConfidence:      strconv.FormatFloat(result.Confidence, 'f', 4, 64),
			}, nil
		}
		switch {
		case errors.Is(err, transcription.ErrNotReady):
		case reused && errors.Is(err, services.ErrExternal):
			// The transcript recorded by an earlier attempt failed remotely.
			logger.Info("previous transcription failed remotely; resubmitting", logging.String(RefTranscriptionID, remoteID))
			reused = false
			if remoteID, err = e.submitTranscription(ctx, j, logger); err != nil {
				return nil, err
			}
			continue
		default:
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, jobs.NewStageError(jobs.StageTranscription, "transcription_timeout",
				fmt.Errorf("transcript %s not ready after %s", remoteID, e.opts.TranscriptPollTimeout))
		}
		if progress < maxPollProgress {
			progress = min(progress+progressStep, maxPollProgress)
			if _, err := e.coord.AdvanceStage(ctx, j.ID, jobs.StageTranscription, progress, jobs.StageProcessing); err != nil {
				return nil, err
			}
		}
		if err := services.SleepContext(ctx, e.opts.TranscriptPollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) submitTranscription(ctx context.Context, j jobs.Job, logger *slog.Logger) (string, error) {
	audioURL := j.Stage(jobs.StageUpload).ExternalRefs[RefURL]
	if audioURL == "" {
		return "", jobs.NewStageError(jobs.StageTranscription, "audio_url_missing", errors.New("upload stage recorded no url"))
	}
	id, err := e.transcriber.Submit(ctx, audioURL)
	if err != nil {
		return "", err
	}
	if _, err := e.coord.RecordRefs(ctx, j.ID, jobs.StageTranscription, map[string]string{RefTranscriptionID: id}); err != nil {
		return "", err
	}
	logger.Info("transcription submitted", logging.String(RefTranscriptionID, id))
	return id, nil
}

func (e *Executor) summarize(ctx context.Context, j jobs.Job) (map[string]string, error) {
	video, err := e.videos.GetVideo(ctx, j.VideoID)
	if err != nil {
		return nil, jobs.NewStageError(jobs.StageSummarization, "video_not_found", err)
	}
	if strings.TrimSpace(video.Transcript) == "" {
		return nil, jobs.NewStageError(jobs.StageSummarization, "transcript_missing", errors.New("video has no transcript"))
	}
	result, err := e.summarizer.Generate(ctx, video.Transcript, e.opts.Summary)
	if err != nil {
		return nil, err
	}
	if err := e.ensureActive(ctx, j.ID); err != nil {
		return nil, err
	}
	if err := e.videos.SaveSummary(ctx, j.VideoID, result.Summary, result.KeyPoints); err != nil {
		return nil, jobs.NewStageError(jobs.StageSummarization, "summary_save_failed", err)
	}
	return map[string]string{RefTokensUsed: strconv.Itoa(result.TokensUsed)}, nil
}

// ensureActive reports an invalid state error once the job has left
// processing, so results computed for it are dropped.
func (e *Executor) ensureActive(ctx context.Context, id string) error {
	cur, err := e.coord.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status != jobs.StatusProcessing {
		return fmt.Errorf("%w: job %s is %s", jobs.ErrInvalidState, id, cur.Status)
	}
	return nil
}

// isDiscard reports whether err means the job was cancelled, failed elsewhere
// or removed while a stage ran.
func isDiscard(err error) bool {
	var stageErr *jobs.StageError
	if errors.As(err, &stageErr) {
		return false
	}
	return errors.Is(err, jobs.ErrInvalidState) || errors.Is(err, jobs.ErrNotFound)
}
