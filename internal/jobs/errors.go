package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input such as a blank video id or unknown stage.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an absent (or expired) job or video.
	ErrNotFound = errors.New("not found")
	// ErrConcurrency marks a lost claim or a write against a stale revision.
	ErrConcurrency = errors.New("concurrency conflict")
	// ErrInvalidState marks a transition the current status does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrStageExecution marks an adapter failure inside a stage.
	ErrStageExecution = errors.New("stage execution failed")
	// ErrTerminal marks a job whose retries are exhausted.
	ErrTerminal = errors.New("retries exhausted")
)

// StageError wraps an adapter failure with the stage it happened in. It is
// recorded on the job rather than returned to the coordinator's caller.
type StageError struct {
	Stage Stage
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: stage %s failed", ErrStageExecution, e.Stage)
	}
	return fmt.Sprintf("%s: stage %s: %v", ErrStageExecution, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageExecution}
	}
	return []error{ErrStageExecution, e.Err}
}

// NewStageError builds a StageError, defaulting the code to "<stage>_failed".
func NewStageError(stage Stage, code string, err error) *StageError {
	if code == "" {
		code = string(stage) + "_failed"
	}
	return &StageError{Stage: stage, Code: code, Err: err}
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Kind returns a short classification of err for transports such as the HTTP API.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	case errors.Is(err, ErrTerminal):
		return "terminal"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStageExecution):
		return "stage_execution"
	default:
		return "internal"
	}
}
