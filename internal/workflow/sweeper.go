package workflow

import (
	"context"
	"log/slog"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
)

// SweepStore lists and deletes expired jobs.
type SweepStore interface {
	ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error)
	DeleteJobs(ctx context.Context, ids []string) (int64, error)
}

const defaultSweepBatch = 200

// Sweeper deletes jobs whose expiry has passed, whatever their status.
type Sweeper struct {
	store     SweepStore
	publisher notify.Publisher
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	batch     int
}

func NewSweeper(st SweepStore, publisher notify.Publisher, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		store:     st,
		publisher: publisher,
		interval:  interval,
		logger:    logging.NewComponentLogger(logger, "sweeper"),
		now:       time.Now,
		batch:     defaultSweepBatch,
	}
}

// Run sweeps every interval until ctx is done. A non-positive interval
// disables the loop.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(s.logger, "expiry sweep failed", "sweep_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check job database access"),
					logging.String(logging.FieldImpact, "expired jobs remain until the next sweep"),
				)
			}
		}
	}
}

// Sweep deletes every expired job once and returns how many were removed.
// Jobs are listed and deleted in batches so each removal is announced.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for {
		expired, err := s.store.ListExpiredJobs(ctx, now, s.batch)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			break
		}
		ids := make([]string, len(expired))
		for i, j := range expired {
			ids[i] = j.ID
		}
		deleted, err := s.store.DeleteJobs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += deleted
		for _, j := range expired {
			s.announce(ctx, j)
		}
		if deleted == 0 || len(expired) < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired jobs deleted", logging.Int64("count", total))
	}
	return total, nil
}

func (s *Sweeper) announce(ctx context.Context, j jobs.Job) {
	if j.Status == jobs.StatusProcessing {
		logging.WarnWithContext(s.logger, "expired job was still processing", "expired_while_processing",
			logging.String(logging.FieldJobID, j.ID),
			logging.String(logging.FieldVideoID, j.VideoID),
			logging.String(logging.FieldErrorHint, "raise workflow.job_ttl_hours or check for stuck workers"),
			logging.String(logging.FieldImpact, "job removed before finishing"),
		)
	}
	if s.publisher == nil {
		return
	}
	payload := StatusUpdate{JobID: j.ID, VideoID: j.VideoID, Status: j.Status, OverallProgress: j.OverallProgress, RetryCount: j.RetryCount}
	if err := s.publisher.Publish(ctx, notify.Topic(j.VideoID), notify.EventJobDeleted, payload); err != nil {
		s.logger.Warn("event publish failed", logging.String(logging.FieldJobID, j.ID), logging.Error(err))
	}
}
