package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"vidflow/internal/app"
	"vidflow/internal/config"
	"vidflow/internal/jobs"
	"vidflow/internal/logging"
	"vidflow/internal/queue"
	"vidflow/internal/services/summarize"
	"vidflow/internal/services/transcription"
	"vidflow/internal/storage"
	"vidflow/internal/workflow"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "vidflow-worker",
		Short:        "Run the vidflow processing workers",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path (default vidflow.toml or $VIDFLOW_CONFIG)")
	return cmd
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("config loaded", logging.String("path", resolved), logging.Bool("file_found", exists))
	if err := cfg.RequireSharedEvents(); err != nil {
		return err
	}

	rt, err := app.Open(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	objects, err := storage.NewS3FromConfig(cfg.S3)
	if err != nil {
		return fmt.Errorf("s3 init: %w", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.S3.Region); err != nil {
		return fmt.Errorf("s3 bucket: %w", err)
	}
	coord := rt.Coordinator(workflow.WithObjectStorage(objects))

	transcriber := transcription.NewClient(transcription.Config{
		BaseURL:        cfg.Transcription.BaseURL,
		APIKey:         cfg.Transcription.APIKey,
		TimeoutSeconds: cfg.Transcription.TimeoutSeconds,
	})
	summarizer := summarize.NewClient(summarize.Config{
		APIKey:         cfg.Summarization.APIKey,
		BaseURL:        cfg.Summarization.BaseURL,
		Model:          cfg.Summarization.Model,
		TimeoutSeconds: cfg.Summarization.TimeoutSeconds,
	})
	executor := workflow.NewExecutor(coord, rt.Store, objects, transcriber, summarizer, workflow.ExecutorOptions{
		TranscriptPollInterval: time.Duration(cfg.Transcription.PollIntervalSeconds) * time.Second,
		TranscriptPollTimeout:  time.Duration(cfg.Transcription.PollTimeoutSeconds) * time.Second,
		Summary: summarize.Options{
			MaxKeyPoints: cfg.Summarization.MaxKeyPoints,
			Language:     cfg.Summarization.Language,
		},
	}, logger)
	cleanup := workflow.NewCleanupExecutor(coord, rt.Store, logger)

	workers := make(map[string]int, len(jobs.Queues))
	var served []string
	for _, q := range jobs.Queues {
		if n := cfg.WorkersFor(q); n > 0 {
			workers[q] = n
			served = append(served, q)
		}
	}
	pool := workflow.NewPool(coord, rt.Dispatcher, executor, cleanup, workflow.PoolOptions{
		Workers:            workers,
		PollInterval:       cfg.PollInterval(),
		ErrorRetryInterval: cfg.ErrorRetryInterval(),
	}, logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()

	if cfg.Workflow.Dispatch == config.DispatchAsynq {
		srv := asynq.NewServer(app.AsynqRedisOpt(cfg.Redis), asynq.Config{
			Concurrency: 1,
			Queues:      queue.AsynqQueues(served),
			Logger:      asynqLogger{logging.NewComponentLogger(logger, "asynq")},
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(queue.TaskQueueReady, func(_ context.Context, t *asynq.Task) error {
			p, err := queue.ParseReadyTask(t)
			if err != nil {
				return err
			}
			pool.Wake(p.Queue)
			return nil
		})
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("asynq server: %w", err)
		}
		defer srv.Shutdown()
		logger.Info("dispatch doorbell listening", logging.String("redis", cfg.Redis.Addr))
	}

	<-ctx.Done()
	logger.Info("shutting down workers")
	return nil
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
