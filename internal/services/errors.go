package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTransient marks failures worth retrying (timeouts, 5xx, rate limits).
	ErrTransient = errors.New("transient failure")
	// ErrExternal marks a definitive failure reported by the remote service.
	ErrExternal = errors.New("external service error")
	// ErrInvalidResponse marks a response that could not be interpreted.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrConfiguration marks missing credentials or endpoints.
	ErrConfiguration = errors.New("configuration error")
)

// Error is an adapter failure classified by marker.
type Error struct {
	Marker    error
	Service   string
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	parts := []string{e.Service, e.Operation}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := []error{e.Marker}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Code returns the persisted error code, e.g. "transcription_transient".
func (e *Error) Code() string {
	return e.Service + "_" + markerName(e.Marker)
}

// Wrap classifies err under marker for service and operation.
func Wrap(marker error, service, operation, message string, err error) error {
	return &Error{Marker: marker, Service: service, Operation: operation, Message: message, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// StatusError classifies a non-2xx HTTP response.
func StatusError(service, operation string, resp *http.Response, body string) error {
	marker := ErrExternal
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		marker = ErrTransient
	}
	return Wrap(marker, service, operation, fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(body)), nil)
}

// Backoff returns the delay before retry attempt (1-based), doubling from
// base and capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	return delay
}

// RetryAfter parses a Retry-After header in seconds.
func RetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func markerName(marker error) string {
	switch {
	case errors.Is(marker, ErrTransient):
		return "transient"
	case errors.Is(marker, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(marker, ErrConfiguration):
		return "configuration"
	default:
		return "error"
	}
}

// Code returns the persisted error code for err, or "" when err carries no
// service classification.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return ""
}
