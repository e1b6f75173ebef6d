package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/config"
	"github.com/hed1ad/ledgerguard/pkg/evaluator"
	"github.com/hed1ad/ledgerguard/pkg/intake"
	"github.com/hed1ad/ledgerguard/pkg/logging"
	"github.com/hed1ad/ledgerguard/pkg/metrics"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/repository"
	"github.com/hed1ad/ledgerguard/pkg/repository/postgres"
	"github.com/hed1ad/ledgerguard/pkg/repository/sqlite"
	"github.com/hed1ad/ledgerguard/pkg/retrain"
	"github.com/hed1ad/ledgerguard/pkg/trainer"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	repo         repository.Repository
	artifacts    modelstore.ArtifactStore
	store        *modelstore.Store
	trainer      *trainer.Trainer
	orchestrator *retrain.Orchestrator
	evaluator    *evaluator.Evaluator
	intake       *intake.Intake

	closers []func() error
}

// loadConfig loads the configuration and builds the logger.
func loadConfig(opts *RootOptions) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to initialize logger", err)
	}
	return cfg, logger, nil
}

// newApp wires every component from configuration. withRepository is false
// for commands that never touch posting storage.
func newApp(ctx context.Context, opts *RootOptions, withRepository bool) (*app, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		store:    modelstore.New(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)

	a.trainer, err = trainer.New(cfg.Training, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid training configuration", err)
	}

	if err := a.openArtifacts(); err != nil {
		a.Close()
		return nil, err
	}
	if withRepository {
		if err := a.openRepository(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.evaluator = evaluator.New(a.store, a.metrics, logger)
	a.orchestrator = retrain.New(a.trainer, a.repo, a.repo, a.store, a.artifacts, a.metrics, logger)
	if a.repo != nil {
		a.intake = intake.New(a.evaluator, a.repo, logger)
	}
	return a, nil
}

func (a *app) openRepository(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "sqlite":
		repo, err := sqlite.Open(db.DSN, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open sqlite database", err)
		}
		a.repo = repo
	case "postgres":
		repo, err := postgres.Open(ctx, db.DSN, db.MaxConns, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to postgres", err)
		}
		a.repo = repo
	default:
		return WrapExitError(ExitCommandError, "unsupported database driver", errors.New(db.Driver))
	}
	a.closers = append(a.closers, a.repo.Close)
	return nil
}

func (a *app) openArtifacts() error {
	art := a.cfg.Artifact
	switch art.Backend {
	case "file":
		a.artifacts = modelstore.NewFileArtifactStore(art.Dir, a.logger)
	case "redis":
		rs, err := modelstore.NewRedisArtifactStore(art.Redis.Addr, art.Redis.Password, art.Redis.DB, art.Redis.KeyPrefix, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		a.artifacts = rs
		a.closers = append(a.closers, rs.Close)
	default:
		return WrapExitError(ExitCommandError, "unsupported artifact backend", errors.New(art.Backend))
	}
	return nil
}

// restore loads the persisted models. strict turns an unreadable artifact
// into an error.
func (a *app) restore(ctx context.Context, strict bool) error {
	if err := a.orchestrator.Restore(ctx, strict || a.cfg.Artifact.RequireOnStart); err != nil {
		return WrapExitError(ExitFailure, "failed to load models", err)
	}
	return nil
}

// Close releases storage connections and flushes the logger.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Sync()
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
