package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
)

// EntryStore persists queue entries.
type EntryStore interface {
	Enqueue(ctx context.Context, queue, jobID string, priority int, createdAt, availableAt time.Time) (bool, error)
	NextPending(ctx context.Context, queue string, now time.Time) (string, bool, error)
	TakeEntry(ctx context.Context, queue string, now time.Time) (string, bool, error)
	IsEnqueued(ctx context.Context, queue, jobID string) (bool, error)
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// Waker notifies workers in other processes that a queue has work.
type Waker interface {
	Wake(ctx context.Context, queue, jobID string) error
}

// Dispatcher maintains the per-queue pending sets. Ordering is priority
// descending then creation time ascending; mutual exclusion comes from the
// claim performed by the caller (pipeline queues) or from TakeEntry
// (cleanup queue).
type Dispatcher struct {
	store   EntryStore
	wakers  []Waker
	logger  *slog.Logger
	now     func() time.Time
	signals map[string]chan struct{}
}

func NewDispatcher(store EntryStore, logger *slog.Logger, wakers ...Waker) *Dispatcher {
	signals := make(map[string]chan struct{}, len(jobs.Queues))
	for _, q := range jobs.Queues {
		signals[q] = make(chan struct{}, 1)
	}
	return &Dispatcher{
		store:   store,
		wakers:  wakers,
		logger:  logging.NewComponentLogger(logger, "dispatcher"),
		now:     time.Now,
		signals: signals,
	}
}

// Enqueue places a job on queue. Re-enqueueing an entry that already exists
// is a no-op and reports false.
func (d *Dispatcher) Enqueue(ctx context.Context, queue string, j jobs.Job, availableAt time.Time) (bool, error) {
	if !jobs.IsQueue(queue) {
		return false, fmt.Errorf("%w: unknown queue %q", jobs.ErrValidation, queue)
	}
	if availableAt.IsZero() {
		availableAt = d.now()
	}
	inserted, err := d.store.Enqueue(ctx, queue, j.ID, j.Priority, j.CreatedAt, availableAt)
	if err != nil {
		return false, fmt.Errorf("enqueue %s on %s: %w", j.ID, queue, err)
	}
	if inserted {
		d.Notify(ctx, queue, j.ID)
	}
	return inserted, nil
}

// Next returns the highest ranked pending job on a pipeline queue without
// removing it. The caller must claim the job to own it.
func (d *Dispatcher) Next(ctx context.Context, queue string) (string, bool, error) {
	return d.store.NextPending(ctx, queue, d.now())
}

// Take removes and returns the head of queue. Exactly one caller receives a
// given entry.
func (d *Dispatcher) Take(ctx context.Context, queue string) (string, bool, error) {
	return d.store.TakeEntry(ctx, queue, d.now())
}

// IsEnqueued reports whether a job has an entry on queue.
func (d *Dispatcher) IsEnqueued(ctx context.Context, queue, jobID string) (bool, error) {
	return d.store.IsEnqueued(ctx, queue, jobID)
}

// Depths returns the number of entries on every known queue.
func (d *Dispatcher) Depths(ctx context.Context) (map[string]int, error) {
	raw, err := d.store.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(jobs.Queues))
	for _, q := range jobs.Queues {
		out[q] = raw[q]
	}
	return out, nil
}

// Notify wakes local workers of queue and rings every configured waker.
// Waker failures are logged; pollers pick the entry up regardless.
func (d *Dispatcher) Notify(ctx context.Context, queue, jobID string) {
	d.Signal(queue)
	for _, w := range d.wakers {
		if err := w.Wake(ctx, queue, jobID); err != nil {
			logging.WarnWithContext(d.logger, "queue wake failed", "queue_wake_failed",
				logging.String(logging.FieldQueue, queue),
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err),
				logging.String(logging.FieldImpact, "workers pick the job up on their next poll"),
			)
		}
	}
}

// Signal wakes one idle local worker of queue without blocking.
func (d *Dispatcher) Signal(queue string) {
	ch, ok := d.signals[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Ready returns the channel local workers of queue wait on.
func (d *Dispatcher) Ready(queue string) <-chan struct{} {
	return d.signals[queue]
}
