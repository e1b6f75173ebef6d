package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ledgerguard/pkg/api"
	"github.com/hed1ad/ledgerguard/pkg/events"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service, scheduled retrain and event consumer",
		Long: `Load the persisted models, then serve evaluation, intake, retrain and backfill
over HTTP. Optionally retrains on a cron schedule and consumes posting events
from RabbitMQ.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	a, err := newApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	server := api.NewServer(a.cfg, api.Dependencies{
		Evaluator:    a.evaluator,
		Intake:       a.intake,
		Orchestrator: a.orchestrator,
		Postings:     a.repo,
		Metrics:      a.metrics,
		Gatherer:     a.registry,
	}, logger)
	server.SetupRoutes()

	if err := a.restore(ctx, false); err != nil {
		return err
	}
	server.SetReady(true)

	scheduler := retrain.NewScheduler(a.orchestrator, a.cfg.Retrain.Schedule, a.cfg.Retrain.Timeout, logger)
	if err := scheduler.Start(); err != nil {
		return WrapExitError(ExitCommandError, "failed to start retrain scheduler", err)
	}
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	if a.cfg.AMQP.Enabled {
		handler := events.NewHandler(a.intake, a.metrics, logger)
		consumer, err := events.Dial(a.cfg.AMQP.URL, a.cfg.AMQP.Queue, a.cfg.AMQP.Prefetch, handler, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to start event consumer", err)
		}
		defer consumer.Close()
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		server.SetReady(false)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "service stopped", err)
	}
	logger.Info("ledgerguard stopped")
	return nil
}
