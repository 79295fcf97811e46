package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
	"vidflow/internal/queue"
	"vidflow/internal/store"
)

// maxConflictRetries bounds how often a write that lost a revision race is
// reloaded and reapplied.
const maxConflictRetries = 3

// JobStore is the persistence surface the coordinator needs.
type JobStore interface {
	CreateJob(ctx context.Context, j jobs.Job) error
	GetJob(ctx context.Context, id string) (jobs.Job, error)
	ListJobs(ctx context.Context, videoID string, limit int) ([]jobs.Job, error)
	UpdateJob(ctx context.Context, j jobs.Job) (jobs.Job, error)
	ClaimJob(ctx context.Context, j jobs.Job) (jobs.Job, error)
	CancelJob(ctx context.Context, j jobs.Job) (jobs.Job, error)
	RequeueJob(ctx context.Context, j jobs.Job, availableAt time.Time) (jobs.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ListVideoJobs(ctx context.Context, videoID string) ([]jobs.Job, error)
}

// VideoStore reads and updates the externally owned video records.
type VideoStore interface {
	GetVideo(ctx context.Context, id string) (store.Video, error)
	SetVideoStatus(ctx context.Context, id, status string) error
	SaveTranscript(ctx context.Context, id, text string, confidence float64) error
	SaveSummary(ctx context.Context, id, summary string, keyPoints []string) error
}

// StatusUpdate is the payload published for every job event.
type StatusUpdate struct {
	JobID           string           `json:"job_id"`
	VideoID         string           `json:"video_id"`
	Status          jobs.Status      `json:"status"`
	Stage           jobs.Stage       `json:"stage,omitempty"`
	StageStatus     jobs.StageStatus `json:"stage_status,omitempty"`
	StageProgress   int              `json:"stage_progress"`
	OverallProgress int              `json:"overall_progress"`
	RetryCount      int              `json:"retry_count"`
	Error           *jobs.JobError   `json:"error,omitempty"`
}

// Coordinator applies job transitions, persists them with revision checks
// and publishes the resulting events. It is safe for concurrent use.
type Coordinator struct {
	store      JobStore
	videos     VideoStore
	dispatcher *queue.Dispatcher
	publisher  notify.Publisher
	objects    ObjectStorage
	weights    jobs.Weights
	policy     jobs.RetryPolicy
	ttl        time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithWeights overrides the progress weights.
func WithWeights(w jobs.Weights) CoordinatorOption {
	return func(c *Coordinator) { c.weights = w }
}

// WithRetryPolicy sets the delay applied to retried jobs.
func WithRetryPolicy(p jobs.RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

// WithTTL sets the lifetime of new jobs.
func WithTTL(ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.ttl = ttl }
}

// WithMaxRetries sets the retry budget of new jobs that do not set their own.
func WithMaxRetries(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithObjectStorage enables purging uploaded objects on DeleteForVideo.
func WithObjectStorage(objects ObjectStorage) CoordinatorOption {
	return func(c *Coordinator) { c.objects = objects }
}

// WithClock overrides time.Now (useful for tests).
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(st JobStore, videos VideoStore, dispatcher *queue.Dispatcher, publisher notify.Publisher, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Coordinator{
		store:      st,
		videos:     videos,
		dispatcher: dispatcher,
		publisher:  publisher,
		weights:    jobs.DefaultWeights(),
		ttl:        jobs.DefaultTTL,
		maxRetries: jobs.DefaultMaxRetries,
		logger:     logging.NewComponentLogger(logger, "coordinator"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create persists a new pending job for videoID.
func (c *Coordinator) Create(ctx context.Context, videoID string, opts jobs.Options) (jobs.Job, error) {
	if opts.MaxRetries == nil {
		n := c.maxRetries
		opts.MaxRetries = &n
	}
	if opts.TTL <= 0 {
		opts.TTL = c.ttl
	}
	j, err := jobs.New(videoID, opts, c.now())
	if err != nil {
		return jobs.Job{}, err
	}
	if err := c.store.CreateJob(ctx, j); err != nil {
		return jobs.Job{}, err
	}
	c.logger.Info("job created",
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldVideoID, j.VideoID),
		logging.String(logging.FieldQueue, j.QueueName),
		logging.Int("priority", j.Priority),
	)
	c.publish(ctx, notify.EventJobCreated, j, "")
	return j, nil
}

// Submit creates a job and dispatches it.
func (c *Coordinator) Submit(ctx context.Context, videoID string, opts jobs.Options) (jobs.Job, error) {
	j, err := c.Create(ctx, videoID, opts)
	if err != nil {
		return jobs.Job{}, err
	}
	if _, err := c.Dispatch(ctx, j.ID); err != nil {
		return j, err
	}
	c.setVideoStatus(ctx, j, store.VideoStatusQueued)
	return j, nil
}

// Dispatch enqueues a pending job on its queue. It reports false when the
// job was already enqueued.
func (c *Coordinator) Dispatch(ctx context.Context, id string) (bool, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j.Status != jobs.StatusPending {
		return false, fmt.Errorf("%w: job %s is %s, only pending jobs can be dispatched", jobs.ErrInvalidState, j.ID, j.Status)
	}
	inserted, err := c.dispatcher.Enqueue(ctx, j.QueueName, j, c.now())
	if err != nil {
		return false, err
	}
	if inserted {
		c.publish(ctx, notify.EventJobDispatched, j, "")
	}
	return inserted, nil
}

// Claim moves a pending job to processing. Exactly one of several
// concurrent claimants succeeds; the others receive jobs.ErrConcurrency.
func (c *Coordinator) Claim(ctx context.Context, id string) (jobs.Job, error) {
	cur, err := c.store.GetJob(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	next, err := jobs.Claim(cur, c.now())
	if err != nil {
		return jobs.Job{}, err
	}
	saved, err := c.store.ClaimJob(ctx, next)
	if err != nil {
		return jobs.Job{}, err
	}
	c.publish(ctx, notify.EventJobStarted, saved, "")
	c.setVideoStatus(ctx, saved, store.VideoStatusProcessing)
	return saved, nil
}

// AdvanceStage records progress for stage.
func (c *Coordinator) AdvanceStage(ctx context.Context, id string, stage jobs.Stage, progress int, status jobs.StageStatus) (jobs.Job, error) {
	return c.applyStage(ctx, id, stage, func(j jobs.Job, now time.Time) (jobs.Job, error) {
		return jobs.AdvanceStage(j, stage, progress, status, c.weights, now)
	})
}

// CompleteStage marks stage completed, merging refs into its external
// references. Completing the last pipeline stage completes the job and
// queues its cleanup.
func (c *Coordinator) CompleteStage(ctx context.Context, id string, stage jobs.Stage, refs map[string]string) (jobs.Job, error) {
	return c.applyStage(ctx, id, stage, func(j jobs.Job, now time.Time) (jobs.Job, error) {
		return jobs.CompleteStage(j, stage, refs, c.weights, now)
	})
}

// FailStage records cause on the job and fails it. The cause is stored,
// not returned.
func (c *Coordinator) FailStage(ctx context.Context, id string, stage jobs.Stage, cause error) (jobs.Job, error) {
	return c.applyStage(ctx, id, stage, func(j jobs.Job, now time.Time) (jobs.Job, error) {
		return jobs.FailStage(j, stage, cause, c.weights, now)
	})
}

// RecordRefs stores external references on stage without publishing.
func (c *Coordinator) RecordRefs(ctx context.Context, id string, stage jobs.Stage, refs map[string]string) (jobs.Job, error) {
	_, after, err := c.mutate(ctx, id, func(j jobs.Job, now time.Time) (jobs.Job, error) {
		return jobs.RecordRefs(j, stage, refs, now)
	})
	return after, err
}

// Cancel cancels a pending or processing job. Cancelling a cancelled job
// succeeds without changes.
func (c *Coordinator) Cancel(ctx context.Context, id string) (jobs.Job, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return jobs.Job{}, err
		}
		next, changed, err := jobs.Cancel(cur, c.now())
		if err != nil {
			return jobs.Job{}, err
		}
		if !changed {
			return cur, nil
		}
		saved, err := c.store.CancelJob(ctx, next)
		if errors.Is(err, jobs.ErrConcurrency) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return jobs.Job{}, err
		}
		c.logger.Info("job cancelled",
			logging.String(logging.FieldJobID, saved.ID),
			logging.String(logging.FieldVideoID, saved.VideoID),
			logging.String("previous_status", string(cur.Status)),
		)
		c.publish(ctx, notify.EventJobCancelled, saved, "")
		c.setVideoStatus(ctx, saved, store.VideoStatusCancelled)
		return saved, nil
	}
}

// Retry returns a failed job with retries left to pending and requeues it.
// Exhausted jobs fail with an error matching both jobs.ErrInvalidState and
// jobs.ErrTerminal.
func (c *Coordinator) Retry(ctx context.Context, id string) (jobs.Job, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return jobs.Job{}, err
		}
		now := c.now()
		next, err := jobs.Retry(cur, c.weights, now)
		if err != nil {
			return jobs.Job{}, err
		}
		delay := c.policy.Backoff(next.RetryCount)
		saved, err := c.store.RequeueJob(ctx, next, now.Add(delay))
		if errors.Is(err, jobs.ErrConcurrency) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return jobs.Job{}, err
		}
		c.logger.Info("job retried",
			logging.String(logging.FieldJobID, saved.ID),
			logging.String(logging.FieldVideoID, saved.VideoID),
			logging.Int("retry_count", saved.RetryCount),
			logging.Int("max_retries", saved.MaxRetries),
			logging.Duration("delay", delay),
		)
		c.dispatcher.Notify(ctx, saved.QueueName, saved.ID)
		c.publish(ctx, notify.EventJobRetried, saved, "")
		c.setVideoStatus(ctx, saved, store.VideoStatusQueued)
		return saved, nil
	}
}

// Get returns a live job.
func (c *Coordinator) Get(ctx context.Context, id string) (jobs.Job, error) {
	return c.store.GetJob(ctx, id)
}

// List returns live jobs newest first, optionally limited to one video.
func (c *Coordinator) List(ctx context.Context, videoID string, limit int) ([]jobs.Job, error) {
	return c.store.ListJobs(ctx, videoID, limit)
}

// Delete removes a job regardless of its status.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	c.logger.Info("job deleted", logging.String(logging.FieldJobID, id), logging.String(logging.FieldVideoID, j.VideoID))
	c.publish(ctx, notify.EventJobDeleted, j, "")
	return nil
}

// DeleteForVideo removes every job of a deleted video, expired ones not yet
// swept included, and, when object storage is configured, the objects those
// jobs uploaded. Object removal is best effort.
func (c *Coordinator) DeleteForVideo(ctx context.Context, videoID string) (int, error) {
	list, err := c.store.ListVideoJobs(ctx, videoID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, j := range list {
		c.purgeObject(ctx, j)
		if err := c.store.DeleteJob(ctx, j.ID); err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
		c.publish(ctx, notify.EventJobDeleted, j, "")
	}
	return deleted, nil
}

// Depths reports the number of entries on each queue.
func (c *Coordinator) Depths(ctx context.Context) (map[string]int, error) {
	return c.dispatcher.Depths(ctx)
}

func (c *Coordinator) purgeObject(ctx context.Context, j jobs.Job) {
	if c.objects == nil {
		return
	}
	publicID := j.Stage(jobs.StageUpload).ExternalRefs[RefPublicID]
	if publicID == "" {
		return
	}
	if err := c.objects.Delete(ctx, publicID); err != nil {
		logging.WarnWithContext(c.logger, "object purge failed", "object_purge_failed",
			logging.String(logging.FieldJobID, j.ID),
			logging.String(logging.FieldVideoID, j.VideoID),
			logging.String("public_id", publicID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "uploaded object remains in the bucket"),
		)
	}
}

// applyStage runs a stage transition and publishes the events and side
// effects that follow from it.
func (c *Coordinator) applyStage(ctx context.Context, id string, stage jobs.Stage, fn func(jobs.Job, time.Time) (jobs.Job, error)) (jobs.Job, error) {
	before, after, err := c.mutate(ctx, id, fn)
	if err != nil {
		return jobs.Job{}, err
	}

	beforeStage, afterStage := before.Stage(stage), after.Stage(stage)
	switch {
	case afterStage.Status == jobs.StageCompleted && beforeStage.Status != jobs.StageCompleted:
		c.publish(ctx, notify.EventStageCompleted, after, stage)
	case afterStage.Status == jobs.StageFailed && beforeStage.Status != jobs.StageFailed:
		c.publish(ctx, notify.EventStageFailed, after, stage)
	default:
		c.publish(ctx, notify.EventStageProgress, after, stage)
	}

	if before.Status == after.Status {
		return after, nil
	}
	switch after.Status {
	case jobs.StatusCompleted:
		c.logger.Info("job completed",
			logging.String(logging.FieldJobID, after.ID),
			logging.String(logging.FieldVideoID, after.VideoID),
		)
		c.publish(ctx, notify.EventJobCompleted, after, "")
		c.setVideoStatus(ctx, after, store.VideoStatusCompleted)
		if _, err := c.dispatcher.Enqueue(ctx, jobs.QueueCleanup, after, c.now()); err != nil {
			logging.WarnWithContext(c.logger, "cleanup enqueue failed", "cleanup_enqueue_failed",
				logging.String(logging.FieldJobID, after.ID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "local source file is kept"),
			)
		}
	case jobs.StatusFailed:
		attrs := []logging.Attr{
			logging.String(logging.FieldJobID, after.ID),
			logging.String(logging.FieldVideoID, after.VideoID),
			logging.String(logging.FieldStage, string(stage)),
			logging.Int("retry_count", after.RetryCount),
		}
		if after.Error != nil {
			attrs = append(attrs, logging.String("error_code", after.Error.Code), logging.String("error_message", after.Error.Message))
		}
		attrs = append(attrs, logging.String(logging.FieldImpact, "job stopped; retry it to resume"))
		logging.WarnWithContext(c.logger, "job failed", "job_failed", attrs...)
		c.publish(ctx, notify.EventJobFailed, after, stage)
		c.setVideoStatus(ctx, after, store.VideoStatusFailed)
	}
	return after, nil
}

// mutate loads id, applies fn and writes the result with a revision check,
// reloading and reapplying when another writer got there first.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(jobs.Job, time.Time) (jobs.Job, error)) (jobs.Job, jobs.Job, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.store.GetJob(ctx, id)
		if err != nil {
			return jobs.Job{}, jobs.Job{}, err
		}
		next, err := fn(cur, c.now())
		if err != nil {
			return cur, jobs.Job{}, err
		}
		saved, err := c.store.UpdateJob(ctx, next)
		if errors.Is(err, jobs.ErrConcurrency) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return cur, jobs.Job{}, err
		}
		return cur, saved, nil
	}
}

func (c *Coordinator) publish(ctx context.Context, event notify.Event, j jobs.Job, stage jobs.Stage) {
	if c.publisher == nil {
		return
	}
	update := StatusUpdate{
		JobID:           j.ID,
		VideoID:         j.VideoID,
		Status:          j.Status,
		OverallProgress: j.OverallProgress,
		RetryCount:      j.RetryCount,
		Error:           j.Error,
	}
	if stage != "" {
		rec := j.Stage(stage)
		update.Stage = stage
		update.StageStatus = rec.Status
		update.StageProgress = rec.Progress
	}
	if err := c.publisher.Publish(ctx, notify.Topic(j.VideoID), event, update); err != nil {
		c.logger.Warn("event publish failed",
			logging.String(logging.FieldJobID, j.ID),
			logging.String("event", string(event)),
			logging.Error(err),
		)
	}
}

func (c *Coordinator) setVideoStatus(ctx context.Context, j jobs.Job, status string) {
	if c.videos == nil {
		return
	}
	err := c.videos.SetVideoStatus(ctx, j.VideoID, status)
	if err == nil || errors.Is(err, jobs.ErrNotFound) {
		return
	}
	logging.WarnWithContext(c.logger, "video status update failed", "video_status_failed",
		logging.String(logging.FieldJobID, j.ID),
		logging.String(logging.FieldVideoID, j.VideoID),
		logging.String("video_status", status),
		logging.Error(err),
		logging.String(logging.FieldImpact, "video status is stale until the next transition"),
	)
}
