package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/metrics"
	"github.com/aristath/taskrouter/internal/orchestrator"
	"github.com/aristath/taskrouter/internal/tracing"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		Long: `Start the worker pool and process queued workflows until SIGINT or SIGTERM.

On startup, workflows left unfinished by a previous run are recovered:
pending and routed ones are queued again, executing ones are compensated
and failed. Configuration changes are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts, shutdownTimeout, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for flushing traces and closing the metrics server")
	return cmd
}

func runEngine(ctx context.Context, opts *rootOptions, shutdownTimeout time.Duration, logOut io.Writer) error {
	cfg, global, project, err := opts.load()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cfg, logOut)
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	m := metrics.New()
	rt, err := orchestrator.Build(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	if _, err := rt.Engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	rt.Relay.Start(gctx)

	g.Go(func() error { return rt.Engine.Run(gctx) })
	g.Go(func() error {
		return config.Watch(gctx, global, project, 0, logger, func(next *config.Config) {
			if err := rt.ApplyConfig(next); err != nil {
				logger.Warn("config partially applied", "error", err)
			}
		})
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("taskrouter running",
		"workers", cfg.Engine.Workers,
		"agents", rt.Registry.Len(),
		"store", cfg.Store.Path)

	err = g.Wait()
	rt.Relay.Stop()
	logger.Info("shutdown complete")
	return err
}
