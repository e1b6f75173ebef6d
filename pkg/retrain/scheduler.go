package retrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// Scheduler runs full retrains on a cron schedule such as "@every 24h" or "@daily".
type Scheduler struct {
	orchestrator *Orchestrator
	schedule     string
	timeout      time.Duration
	cron         *cron.Cron
	logger       *zap.Logger
}

// NewScheduler creates a scheduler. An empty schedule disables it.
// timeout bounds each run; zero means no bound.
func NewScheduler(o *Orchestrator, schedule string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		orchestrator: o,
		schedule:     schedule,
		timeout:      timeout,
		cron:         cron.New(),
		logger:       logger,
	}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("Scheduled retrain disabled")
		return nil
	}
	if err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("invalid retrain schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Scheduled retrain enabled", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the cron loop. A run in progress is not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.orchestrator.Retrain(ctx, nil)
	switch {
	case errors.Is(err, ErrPersist):
		s.logger.Error("Scheduled retrain swapped models but could not persist them",
			zap.Stringer("run_id", result.RunID),
			zap.Error(err))
	case err != nil:
		s.logger.Error("Scheduled retrain failed", zap.Error(err))
	default:
		s.logger.Info("Scheduled retrain complete",
			zap.Stringer("run_id", result.RunID),
			zap.Int("tenants_processed", result.TenantsProcessed),
			zap.Int("tenants_skipped", len(result.TenantsSkipped)),
			zap.Int("store_size", result.StoreSize))
	}
}
