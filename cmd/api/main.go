package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vidflow/internal/api"
	"vidflow/internal/app"
	"vidflow/internal/config"
	"vidflow/internal/logging"
	"vidflow/internal/storage"
	"vidflow/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "vidflow-api",
		Short:        "Serve the vidflow job API",
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

	rt, err := app.Open(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	var coordOpts []workflow.CoordinatorOption
	if objects, err := storage.NewS3FromConfig(cfg.S3); err != nil {
		logging.WarnWithContext(logger, "object storage unavailable", "storage_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the [s3] section"),
			logging.String(logging.FieldImpact, "deleting a video's jobs leaves uploaded objects behind"),
		)
	} else {
		coordOpts = append(coordOpts, workflow.WithObjectStorage(objects))
	}
	coord := rt.Coordinator(coordOpts...)

	sweeper := workflow.NewSweeper(rt.Store, rt.Bus, cfg.SweepInterval(), logger)
	go sweeper.Run(ctx)

	server := api.NewServer(cfg.API, api.Deps{
		Jobs:    coord,
		Sweeper: sweeper,
		Events:  rt.Bus,
		Health:  rt.Store,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.API.Bind,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", logging.String("addr", cfg.API.Bind))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
