package jobs

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, raw)
	}
}

// Terminal reports whether no further transition can leave s without an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// StageStatus is the state of a single stage record.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// ParseStageStatus converts a raw string into a StageStatus.
func ParseStageStatus(raw string) (StageStatus, error) {
	switch s := StageStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StagePending, StageProcessing, StageCompleted, StageFailed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown stage status %q", ErrValidation, raw)
	}
}

// Stage names one step of the fixed pipeline.
type Stage string

const (
	StageUpload        Stage = "upload"
	StageTranscription Stage = "transcription"
	StageSummarization Stage = "summarization"
	StageCleanup       Stage = "cleanup"
)

// AllStages lists every stage in execution order.
var AllStages = []Stage{StageUpload, StageTranscription, StageSummarization, StageCleanup}

// PipelineStages are the stages that gate job completion and carry progress weight.
var PipelineStages = []Stage{StageUpload, StageTranscription, StageSummarization}

// ParseStage converts a raw stage name into a Stage, rejecting anything outside the pipeline.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", ErrValidation, raw)
	}
	return s, nil
}

// Valid reports whether s is one of the four pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageUpload, StageTranscription, StageSummarization, StageCleanup:
		return true
	}
	return false
}

func (s Stage) String() string { return string(s) }
