package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Claim moves a pending job to processing.
func Claim(j Job, now time.Time) (Job, error) {
	if j.Status != StatusPending {
		return j, fmt.Errorf("%w: job %s is %s, not pending", ErrConcurrency, j.ID, j.Status)
	}
	now = now.UTC()
	out := j.Clone()
	out.Status = StatusProcessing
	out.StartedAt = timePtr(now)
	out.UpdatedAt = now
	return out, nil
}

// AdvanceStage records progress for a stage and recomputes overall progress.
// A completed stage status routes through CompleteStage and a failed one
// through FailStage.
func AdvanceStage(j Job, stage Stage, progress int, status StageStatus, w Weights, now time.Time) (Job, error) {
	if progress < 0 || progress > 100 {
		return j, validationf("progress %d out of range 0..100", progress)
	}
	if _, err := ParseStageStatus(string(status)); err != nil {
		return j, err
	}
	if err := checkStageWritable(j, stage); err != nil {
		return j, err
	}

	switch status {
	case StageCompleted:
		return CompleteStage(j, stage, nil, w, now)
	case StageFailed:
		return FailStage(j, stage, NewStageError(stage, "stage_reported_failure", errors.New("stage reported failure")), w, now)
	}

	now = now.UTC()
	out := j.Clone()
	rec := out.Stages[stage]
	rec.Status = status
	rec.Progress = progress
	if status == StageProcessing && rec.StartedAt == nil {
		rec.StartedAt = timePtr(now)
	}
	if status == StagePending {
		rec.StartedAt = nil
		rec.CompletedAt = nil
	}
	out.Stages[stage] = rec
	out.OverallProgress = OverallProgress(out.Stages, w)
	out.UpdatedAt = now
	return out, nil
}

// CompleteStage marks a stage completed at 100%, merging refs into its
// external references. When every pipeline stage is complete the job
// itself completes.
func CompleteStage(j Job, stage Stage, refs map[string]string, w Weights, now time.Time) (Job, error) {
	if err := checkStageWritable(j, stage); err != nil {
		return j, err
	}
	now = now.UTC()
	out := j.Clone()
	rec := out.Stages[stage]
	rec.Status = StageCompleted
	rec.Progress = 100
	if rec.StartedAt == nil {
		rec.StartedAt = timePtr(now)
	}
	rec.CompletedAt = timePtr(now)
	rec.ExternalRefs = mergeRefs(rec.ExternalRefs, refs)
	out.Stages[stage] = rec
	out.OverallProgress = OverallProgress(out.Stages, w)
	out.UpdatedAt = now

	if out.Status != StatusCompleted && pipelineComplete(out.Stages) {
		out.Status = StatusCompleted
		out.CompletedAt = timePtr(now)
	}
	return out, nil
}

// FailStage marks a stage failed and the job failed with cause recorded. A
// cleanup failure on a completed job only marks the stage.
func FailStage(j Job, stage Stage, cause error, w Weights, now time.Time) (Job, error) {
	if err := checkStageWritable(j, stage); err != nil {
		return j, err
	}
	now = now.UTC()
	out := j.Clone()
	rec := out.Stages[stage]
	rec.Status = StageFailed
	rec.CompletedAt = timePtr(now)
	out.Stages[stage] = rec
	out.OverallProgress = OverallProgress(out.Stages, w)
	out.UpdatedAt = now

	if out.Status == StatusCompleted {
		return out, nil
	}
	out.Status = StatusFailed
	out.Error = errorFrom(stage, cause, now)
	return out, nil
}

// RecordRefs merges external references into a stage without changing its status.
func RecordRefs(j Job, stage Stage, refs map[string]string, now time.Time) (Job, error) {
	if err := checkStageWritable(j, stage); err != nil {
		return j, err
	}
	out := j.Clone()
	rec := out.Stages[stage]
	rec.ExternalRefs = mergeRefs(rec.ExternalRefs, refs)
	out.Stages[stage] = rec
	out.UpdatedAt = now.UTC()
	return out, nil
}

// Cancel moves a pending or processing job to cancelled. Cancelling an
// already cancelled job reports changed=false and no error.
func Cancel(j Job, now time.Time) (Job, bool, error) {
	switch j.Status {
	case StatusCancelled:
		return j, false, nil
	case StatusPending, StatusProcessing:
	default:
		return j, false, invalidStatef("job %s is %s and cannot be cancelled", j.ID, j.Status)
	}
	now = now.UTC()
	out := j.Clone()
	out.Status = StatusCancelled
	out.UpdatedAt = now
	return out, true, nil
}

// Retry returns a failed job to pending, keeping completed stages so the
// pipeline resumes where it stopped.
func Retry(j Job, w Weights, now time.Time) (Job, error) {
	if j.Status != StatusFailed {
		return j, invalidStatef("job %s is %s, only failed jobs can be retried", j.ID, j.Status)
	}
	if !CanRetry(j) {
		return j, fmt.Errorf("%w: %w: job %s used %d of %d retries", ErrInvalidState, ErrTerminal, j.ID, j.RetryCount, j.MaxRetries)
	}
	now = now.UTC()
	out := j.Clone()
	for _, s := range AllStages {
		rec := out.Stages[s]
		if rec.Status == StageCompleted {
			continue
		}
		rec.Status = StagePending
		rec.Progress = 0
		rec.StartedAt = nil
		rec.CompletedAt = nil
		out.Stages[s] = rec
	}
	out.RetryCount++
	out.Error = nil
	out.Status = StatusPending
	out.StartedAt = nil
	out.CompletedAt = nil
	out.OverallProgress = OverallProgress(out.Stages, w)
	out.UpdatedAt = now
	return out, nil
}

// NextStage returns the first pipeline stage that is not completed.
func NextStage(j Job) (Stage, bool) {
	for _, s := range PipelineStages {
		if j.Stages[s].Status != StageCompleted {
			return s, true
		}
	}
	return "", false
}

func checkStageWritable(j Job, stage Stage) error {
	if !stage.Valid() {
		return validationf("unknown stage %q", stage)
	}
	switch j.Status {
	case StatusPending, StatusProcessing:
		return nil
	case StatusCompleted:
		if stage == StageCleanup {
			return nil
		}
	}
	return invalidStatef("job %s is %s; stage %s cannot change", j.ID, j.Status, stage)
}

func pipelineComplete(stages Stages) bool {
	for _, s := range PipelineStages {
		if stages[s].Status != StageCompleted {
			return false
		}
	}
	return true
}

func mergeRefs(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type coder interface {
	Code() string
}

func errorFrom(stage Stage, cause error, now time.Time) *JobError {
	code := string(stage) + "_failed"
	msg := "stage failed"
	if cause != nil {
		msg = cause.Error()
	}
	var se *StageError
	if errors.As(cause, &se) {
		if se.Code != "" {
			code = se.Code
		}
		if se.Err != nil {
			msg = se.Err.Error()
		}
	} else {
		var c coder
		if errors.As(cause, &c) && c.Code() != "" {
			code = c.Code()
		}
	}
	return &JobError{Message: msg, Code: code, Timestamp: now}
}
