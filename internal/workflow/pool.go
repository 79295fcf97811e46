package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/queue"
)

// JobRunner executes the pipeline of a claimed job.
type JobRunner interface {
	Run(ctx context.Context, j jobs.Job) error
}

// CleanupRunner executes the cleanup unit of a completed job.
type CleanupRunner interface {
	Run(ctx context.Context, jobID string) error
}

// PoolOptions configure the worker pool.
type PoolOptions struct {
	// Workers maps queue name to the number of goroutines serving it.
	Workers            map[string]int
	PollInterval       time.Duration
	ErrorRetryInterval time.Duration
}

// Pool runs workers that pull from the dispatcher. Pipeline queue workers
// claim a job before executing it; cleanup workers take entries off the
// cleanup queue.
type Pool struct {
	coord      *Coordinator
	dispatcher *queue.Dispatcher
	executor   JobRunner
	cleanup    CleanupRunner
	opts       PoolOptions
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(coord *Coordinator, dispatcher *queue.Dispatcher, executor JobRunner, cleanup CleanupRunner, opts PoolOptions, logger *slog.Logger) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ErrorRetryInterval <= 0 {
		opts.ErrorRetryInterval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		coord:      coord,
		dispatcher: dispatcher,
		executor:   executor,
		cleanup:    cleanup,
		opts:       opts,
		logger:     logging.NewComponentLogger(logger, "pool"),
	}
}

// Start launches the configured workers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	total := 0
	for _, q := range jobs.Queues {
		total += p.opts.Workers[q]
	}
	if total == 0 {
		return errors.New("worker pool has no workers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	for _, q := range jobs.Queues {
		for i := 0; i < p.opts.Workers[q]; i++ {
			p.wg.Add(1)
			go p.runWorker(runCtx, q, fmt.Sprintf("%s-%d", q, i+1))
		}
	}
	p.logger.Info("worker pool started", logging.Int("workers", total))
	return nil
}

// Stop cancels the workers and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Wake nudges an idle worker of queue.
func (p *Pool) Wake(queueName string) {
	p.dispatcher.Signal(queueName)
}

func (p *Pool) runWorker(ctx context.Context, queueName, name string) {
	defer p.wg.Done()
	logger := p.logger.With(
		logging.String(logging.FieldQueue, queueName),
		logging.String(logging.FieldWorker, name),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var (
			worked bool
			err    error
		)
		if queueName == jobs.QueueCleanup {
			worked, err = p.cleanupOnce(ctx)
		} else {
			worked, err = p.pipelineOnce(ctx, queueName, logger)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.ErrorWithContext(logger, "worker iteration failed", "worker_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check job database access"),
			)
			p.wait(ctx, nil, p.opts.ErrorRetryInterval)
			continue
		}
		if !worked {
			p.wait(ctx, p.dispatcher.Ready(queueName), p.opts.PollInterval)
		}
	}
}

func (p *Pool) pipelineOnce(ctx context.Context, queueName string, logger *slog.Logger) (bool, error) {
	id, ok, err := p.dispatcher.Next(ctx, queueName)
	if err != nil || !ok {
		return false, err
	}
	j, err := p.coord.Claim(ctx, id)
	if errors.Is(err, jobs.ErrConcurrency) || errors.Is(err, jobs.ErrNotFound) {
		logger.Debug("claim lost", logging.String(logging.FieldJobID, id), logging.Error(err))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	logger.Info("job claimed", logging.String(logging.FieldJobID, j.ID), logging.String(logging.FieldVideoID, j.VideoID))
	if err := p.executor.Run(ctx, j); err != nil {
		return true, fmt.Errorf("run job %s: %w", j.ID, err)
	}
	return true, nil
}

func (p *Pool) cleanupOnce(ctx context.Context) (bool, error) {
	id, ok, err := p.dispatcher.Take(ctx, jobs.QueueCleanup)
	if err != nil || !ok {
		return false, err
	}
	if err := p.cleanup.Run(ctx, id); err != nil {
		return true, fmt.Errorf("cleanup job %s: %w", id, err)
	}
	return true, nil
}

func (p *Pool) wait(ctx context.Context, ready <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-ready:
	case <-timer.C:
	}
}
