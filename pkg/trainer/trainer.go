// Package trainer fits a scaler and isolation forest per tenant from posting history.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/ledgerguard/pkg/detectors"
	"github.com/hed1ad/ledgerguard/pkg/detectors/iforest"
	"github.com/hed1ad/ledgerguard/pkg/detectors/scaler"
	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// DegeneratePolicy decides what happens to a tenant with a zero-variance feature.
type DegeneratePolicy string

const (
	// DegenerateSkip leaves the tenant without a model.
	DegenerateSkip DegeneratePolicy = "skip"
	// DegenerateClamp substitutes a standard deviation of 1.0.
	DegenerateClamp DegeneratePolicy = "clamp"
)

// Config controls a training run.
type Config struct {
	detectors.Config `yaml:",inline"`

	// MinSamples is the least number of usable rows a tenant needs.
	MinSamples int `yaml:"min_samples"`
	// DegeneratePolicy is "skip" or "clamp".
	DegeneratePolicy DegeneratePolicy `yaml:"degenerate_policy"`
	// Workers bounds how many tenants are fitted concurrently.
	Workers int `yaml:"workers"`
	// TreeWorkers bounds concurrent tree construction inside one forest.
	TreeWorkers int `yaml:"tree_workers"`
}

// DefaultConfig returns the training defaults.
func DefaultConfig() Config {
	return Config{
		Config:           detectors.DefaultConfig(),
		MinSamples:       1,
		DegeneratePolicy: DegenerateSkip,
		Workers:          4,
		TreeWorkers:      1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !(c.Contamination > 0 && c.Contamination <= 0.5) {
		return fmt.Errorf("contamination must be in (0, 0.5], got %g", c.Contamination)
	}
	if c.Trees <= 0 {
		return fmt.Errorf("trees must be positive, got %d", c.Trees)
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("sample_size must be positive, got %d", c.SampleSize)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", c.MinSamples)
	}
	switch c.DegeneratePolicy {
	case DegenerateSkip, DegenerateClamp:
	default:
		return fmt.Errorf("degenerate_policy must be %q or %q, got %q", DegenerateSkip, DegenerateClamp, c.DegeneratePolicy)
	}
	return nil
}

// Skip records why a tenant got no model.
type Skip struct {
	TenantID posting.TenantID `json:"id"`
	Reason   string           `json:"reason"`
}

// Summary aggregates one training run.
type Summary struct {
	RunID     uuid.UUID          `json:"run_id"`
	TrainedAt time.Time          `json:"trained_at"`
	Processed []posting.TenantID `json:"tenants_processed"`
	Skipped   []Skip             `json:"tenants_skipped"`

	// DroppedRows counts postings excluded from training by feature validation.
	DroppedRows int `json:"dropped_rows"`
}

// Trainer fits model pairs.
type Trainer struct {
	cfg       Config
	extractor features.Extractor
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a trainer. It fails on an invalid configuration.
func New(cfg Config, logger *zap.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		cfg:       cfg,
		extractor: features.NewExtractor(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Config returns the trainer configuration.
func (t *Trainer) Config() Config {
	return t.cfg
}

type tenantResult struct {
	pair    *modelstore.ModelPair
	skip    *Skip
	dropped int
}

// Train fits one pair per tenant group. A tenant's data problem never aborts the
// others; it is recorded in the summary instead. Only context cancellation fails
// the run as a whole, in which case no pairs are returned.
func (t *Trainer) Train(ctx context.Context, groups map[posting.TenantID][]posting.Posting) (map[posting.TenantID]*modelstore.ModelPair, Summary, error) {
	summary := Summary{
		RunID:     uuid.New(),
		TrainedAt: t.now().UTC(),
	}

	ids := make([]posting.TenantID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]tenantResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = t.trainTenant(id, groups[id], summary.RunID, summary.TrainedAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, err
	}

	pairs := make(map[posting.TenantID]*modelstore.ModelPair, len(ids))
	for i, r := range results {
		summary.DroppedRows += r.dropped
		if r.skip != nil {
			summary.Skipped = append(summary.Skipped, *r.skip)
			t.logger.Warn("Tenant skipped in training",
				zap.Stringer("tenant_id", ids[i]),
				zap.String("reason", r.skip.Reason),
				zap.Stringer("run_id", summary.RunID))
			continue
		}
		pairs[ids[i]] = r.pair
		summary.Processed = append(summary.Processed, ids[i])
	}

	t.logger.Info("Training run complete",
		zap.Stringer("run_id", summary.RunID),
		zap.Int("tenants_processed", len(summary.Processed)),
		zap.Int("tenants_skipped", len(summary.Skipped)),
		zap.Int("dropped_rows", summary.DroppedRows))

	return pairs, summary, nil
}

func (t *Trainer) trainTenant(id posting.TenantID, postings []posting.Posting, runID uuid.UUID, trainedAt time.Time) tenantResult {
	skip := func(reason string, dropped int) tenantResult {
		return tenantResult{skip: &Skip{TenantID: id, Reason: reason}, dropped: dropped}
	}

	if len(postings) == 0 {
		return skip("no postings", 0)
	}

	data := make([][]float64, 0, len(postings))
	dropped := 0
	var firstErr error
	for i := range postings {
		v, err := t.extractor.Extract(&postings[i])
		if err != nil {
			dropped++
			if firstErr == nil {
				firstErr = err
			}
			t.logger.Debug("Posting dropped from training",
				zap.Stringer("tenant_id", id),
				zap.Int64("posting_id", postings[i].ID),
				zap.Error(err))
			continue
		}
		data = append(data, v)
	}

	if len(data) == 0 {
		return skip(fmt.Sprintf("no usable rows: %v", firstErr), dropped)
	}
	if len(data) < t.cfg.MinSamples {
		return skip(fmt.Sprintf("insufficient data: %d usable rows, need %d", len(data), t.cfg.MinSamples), dropped)
	}

	var sc *scaler.Scaler
	var err error
	switch t.cfg.DegeneratePolicy {
	case DegenerateClamp:
		var clamped []int
		sc, clamped, err = scaler.FitClamped(data)
		if len(clamped) > 0 {
			t.logger.Info("Clamped degenerate features",
				zap.Stringer("tenant_id", id),
				zap.Ints("columns", clamped))
		}
	default:
		sc, err = scaler.Fit(data)
	}
	if err != nil {
		var derr *scaler.DegenerateFeatureError
		if errors.As(err, &derr) {
			names := t.extractor.FeatureNames()
			name := fmt.Sprintf("column %d", derr.Column)
			if derr.Column < len(names) {
				name = names[derr.Column]
			}
			return skip(fmt.Sprintf("degenerate feature %s: all values %g", name, derr.Value), dropped)
		}
		return skip(fmt.Sprintf("scaler: %v", err), dropped)
	}

	scaled, err := sc.TransformAll(data)
	if err != nil {
		return skip(fmt.Sprintf("scaler: %v", err), dropped)
	}

	opts := append(iforest.FromConfig(t.cfg.Config), iforest.WithWorkers(t.cfg.TreeWorkers))
	forest, err := iforest.Fit(scaled, opts...)
	if err != nil {
		return skip(fmt.Sprintf("forest: %v", err), dropped)
	}

	pair, err := modelstore.NewModelPair(id, runID, sc, forest, trainedAt)
	if err != nil {
		return skip(err.Error(), dropped)
	}
	return tenantResult{pair: pair, dropped: dropped}
}
