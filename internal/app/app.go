// Package app assembles the shared runtime used by the vidflow processes:
// job store, event bus with its cross-process transport, and the queue
// dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"vidflow/internal/config"
	"vidflow/internal/logging"
	"vidflow/internal/notify"
	"vidflow/internal/queue"
	"vidflow/internal/store"
	"vidflow/internal/workflow"
)

// Runtime owns the long-lived collaborators of a process. Close releases
// them in reverse order of creation.
type Runtime struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Bus        *notify.Bus
	Dispatcher *queue.Dispatcher

	cancelRelay context.CancelFunc
	relayWG     sync.WaitGroup
	closers     []func() error
}

// Open connects the store, event transport and dispatch doorbell described
// by cfg. When relay is true the process also receives events published by
// other processes.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, relay bool) (*Runtime, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	st, err := store.New(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.closers = append(rt.closers, st.Close)
	if err := st.Init(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	rt.Store = st

	if err := rt.openBus(ctx, relay); err != nil {
		_ = rt.Close()
		return nil, err
	}

	var wakers []queue.Waker
	if cfg.Workflow.Dispatch == config.DispatchAsynq {
		client := asynq.NewClient(AsynqRedisOpt(cfg.Redis))
		rt.closers = append(rt.closers, client.Close)
		wakers = append(wakers, queue.NewAsynqWaker(client))
	}
	rt.Dispatcher = queue.NewDispatcher(st, logger, wakers...)
	return rt, nil
}

func (rt *Runtime) openBus(ctx context.Context, relay bool) error {
	cfg := rt.Config
	opts := []notify.BusOption{notify.WithBuffer(cfg.Notifications.SubscriberBuffer)}
	var run func(context.Context, *notify.Bus) error

	switch cfg.Notifications.Transport {
	case config.TransportRedis:
		client, err := notify.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		opts = append(opts, notify.WithTransport(notify.NewRedisTransport(client)))
		run = func(ctx context.Context, bus *notify.Bus) error {
			return notify.RunRedisRelay(ctx, client, bus, rt.Logger)
		}
	case config.TransportAMQP:
		transport, err := notify.DialAMQP(cfg.Notifications.AMQPURL, cfg.Notifications.Exchange)
		if err != nil {
			return err
		}
		opts = append(opts, notify.WithTransport(transport))
		run = func(ctx context.Context, bus *notify.Bus) error {
			return notify.RunAMQPRelay(ctx, transport, bus, rt.Logger)
		}
	}

	rt.Bus = notify.NewBus(rt.Logger, opts...)
	rt.closers = append(rt.closers, rt.Bus.Close)

	if relay && run != nil {
		relayCtx, cancel := context.WithCancel(context.Background())
		rt.cancelRelay = cancel
		rt.relayWG.Add(1)
		go func() {
			defer rt.relayWG.Done()
			if err := run(relayCtx, rt.Bus); err != nil && relayCtx.Err() == nil {
				logging.ErrorWithContext(rt.Logger, "event relay stopped", "event_relay_failed",
					logging.String("transport", cfg.Notifications.Transport),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the event broker and restart the process"),
				)
			}
		}()
	}
	return nil
}

// Coordinator builds a coordinator configured from the workflow section.
func (rt *Runtime) Coordinator(extra ...workflow.CoordinatorOption) *workflow.Coordinator {
	cfg := rt.Config
	opts := []workflow.CoordinatorOption{
		workflow.WithWeights(cfg.Workflow.Weights),
		workflow.WithRetryPolicy(cfg.RetryPolicy()),
		workflow.WithTTL(cfg.JobTTL()),
		workflow.WithMaxRetries(cfg.Workflow.MaxRetries),
	}
	opts = append(opts, extra...)
	return workflow.NewCoordinator(rt.Store, rt.Store, rt.Dispatcher, rt.Bus, rt.Logger, opts...)
}

// Close stops the relay and closes every resource opened by Open.
func (rt *Runtime) Close() error {
	if rt.cancelRelay != nil {
		rt.cancelRelay()
	}
	rt.relayWG.Wait()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// AsynqRedisOpt returns the asynq connection options for cfg.
func AsynqRedisOpt(cfg config.Redis) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}
