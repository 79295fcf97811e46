package jobs

import "time"

// CanRetry reports whether a failed job still has retries left.
func CanRetry(j Job) bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// RetryPolicy controls when a retried job becomes available again. The zero
// value requeues immediately.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Backoff returns the delay before attempt number retryCount may run.
// Delays double per attempt starting at BaseDelay and are capped by MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if p.BaseDelay <= 0 || retryCount <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
