package jobs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue names served by the dispatcher.
const (
	QueueVideoProcessing = "video-processing"
	QueueTranscription   = "transcription"
	QueueSummarization   = "summarization"
	QueueCleanup         = "cleanup"
)

// Queues lists every queue in the order workers are started.
var Queues = []string{QueueVideoProcessing, QueueTranscription, QueueSummarization, QueueCleanup}

const (
	DefaultMaxRetries = 3
	DefaultTTL        = 7 * 24 * time.Hour
)

// StageRecord tracks one stage of a job.
type StageRecord struct {
	Status       StageStatus       `json:"status"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Progress     int               `json:"progress"`
	ExternalRefs map[string]string `json:"external_refs,omitempty"`
}

// Stages maps every pipeline stage to its record.
type Stages map[Stage]StageRecord

// JobError is the failure recorded on a failed job.
type JobError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is an immutable snapshot of a processing job. Transition functions in
// this package return modified copies and never mutate their input.
type Job struct {
	ID              string     `json:"id"`
	VideoID         string     `json:"video_id"`
	Status          Status     `json:"status"`
	Stages          Stages     `json:"stages"`
	OverallProgress int        `json:"overall_progress"`
	Error           *JobError  `json:"error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	QueueName       string     `json:"queue_name"`
	Priority        int        `json:"priority"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Revision        int64      `json:"revision"`
}

// Options customizes job creation. Zero values fall back to defaults.
type Options struct {
	ID         string
	QueueName  string
	Priority   int
	MaxRetries *int
	TTL        time.Duration
}

// New builds a pending job with every stage pending.
func New(videoID string, opts Options, now time.Time) (Job, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return Job{}, validationf("video id is required")
	}
	queueName := strings.TrimSpace(opts.QueueName)
	if queueName == "" {
		queueName = QueueVideoProcessing
	}
	if !IsPipelineQueue(queueName) {
		return Job{}, validationf("queue %q cannot carry jobs", queueName)
	}
	maxRetries := DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 {
		return Job{}, validationf("max retries must be >= 0")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now = now.UTC()
	stages := make(Stages, len(AllStages))
	for _, s := range AllStages {
		stages[s] = StageRecord{Status: StagePending}
	}
	return Job{
		ID:         id,
		VideoID:    videoID,
		Status:     StatusPending,
		Stages:     stages,
		MaxRetries: maxRetries,
		QueueName:  queueName,
		Priority:   opts.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// IsPipelineQueue reports whether name is a queue jobs can be created on.
func IsPipelineQueue(name string) bool {
	switch name {
	case QueueVideoProcessing, QueueTranscription, QueueSummarization:
		return true
	}
	return false
}

// IsQueue reports whether name is any known queue.
func IsQueue(name string) bool {
	return IsPipelineQueue(name) || name == QueueCleanup
}

// Expired reports whether the job's TTL has elapsed at now.
func (j Job) Expired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}

// Stage returns the record for s.
func (j Job) Stage(s Stage) StageRecord {
	return j.Stages[s]
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	out := j
	out.Stages = make(Stages, len(j.Stages))
	for k, v := range j.Stages {
		out.Stages[k] = v.clone()
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return out
}

func (r StageRecord) clone() StageRecord {
	out := r
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	if r.ExternalRefs != nil {
		out.ExternalRefs = make(map[string]string, len(r.ExternalRefs))
		for k, v := range r.ExternalRefs {
			out.ExternalRefs[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
