// Package evaluator scores postings against the live per-tenant models.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/detectors"
	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/metrics"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

const backfillBatchSize = 500

// Evaluator reads the model store and never blocks on a retrain.
type Evaluator struct {
	store     *modelstore.Store
	extractor features.Extractor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates an evaluator over store.
func New(store *modelstore.Store, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:     store,
		extractor: features.NewExtractor(),
		metrics:   m,
		logger:    logger,
	}
}

// Evaluate reports whether a posting with the given account and amount is
// anomalous for tenant. A tenant without a model yields *modelstore.ModelNotFoundError,
// never false.
func (e *Evaluator) Evaluate(tenant posting.TenantID, accountHandleNumber int64, amount decimal.Decimal) (bool, error) {
	f, _ := amount.Float64()
	vector, err := features.Vector(accountHandleNumber, f)
	if err != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return false, err
	}
	s, err := e.observe(e.store.Current(), tenant, vector)
	if err != nil {
		return false, err
	}
	return s.IsAnomaly, nil
}

// Score extracts features from data and scores them for tenant. data is
// anything the feature extractor accepts: a Posting or a decoded JSON object.
func (e *Evaluator) Score(tenant posting.TenantID, data any) (detectors.Score, error) {
	vector, err := e.extractor.Extract(data)
	if err != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return detectors.Score{}, err
	}
	return e.observe(e.store.Current(), tenant, vector)
}

func (e *Evaluator) observe(snap *modelstore.Snapshot, tenant posting.TenantID, vector []float64) (detectors.Score, error) {
	start := time.Now()
	s, err := scoreVector(snap, tenant, vector)
	e.metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	e.metrics.EvaluationsTotal.WithLabelValues(outcome(s, err)).Inc()
	return s, err
}

// scoreVector uses one snapshot for the whole lookup, so scaler and forest
// always come from the same pair.
func scoreVector(snap *modelstore.Snapshot, tenant posting.TenantID, vector []float64) (detectors.Score, error) {
	pair, ok := snap.Get(tenant)
	if !ok {
		return detectors.Score{}, &modelstore.ModelNotFoundError{TenantID: tenant}
	}

	scaled, err := pair.Scaler.Transform(vector)
	if err != nil {
		return detectors.Score{}, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	value, err := pair.Forest.Score(scaled)
	if err != nil {
		return detectors.Score{}, fmt.Errorf("tenant %s: %w", tenant, err)
	}

	threshold := pair.Forest.Threshold()
	return detectors.Score{
		Value:     value,
		Threshold: threshold,
		IsAnomaly: value > threshold,
		Features:  vector,
	}, nil
}

func outcome(s detectors.Score, err error) string {
	switch {
	case errors.Is(err, modelstore.ErrModelNotFound):
		return metrics.OutcomeNoModel
	case err != nil:
		return metrics.OutcomeInvalid
	case s.IsAnomaly:
		return metrics.OutcomeSuspicious
	default:
		return metrics.OutcomeNormal
	}
}

// PostingSkip records a posting backfill could not score.
type PostingSkip struct {
	PostingID int64  `json:"posting_id"`
	Reason    string `json:"reason"`
}

// BackfillResult summarizes a backfill run.
type BackfillResult struct {
	Evaluated int           `json:"evaluated"`
	Updated   int           `json:"updated"`
	Skipped   []PostingSkip `json:"skipped"`
}

// Backfill scores every posting against the snapshot live when the call starts
// and writes the flags through sink. Updated counts only rows whose stored flag
// changed, so a second run over unchanged models reports zero. Postings that
// cannot be scored keep their stored flag and are listed in Skipped.
func (e *Evaluator) Backfill(ctx context.Context, postings []posting.Posting, sink repository.FlagWriter) (BackfillResult, error) {
	snap := e.store.Current()
	var result BackfillResult

	batch := make([]repository.FlagUpdate, 0, backfillBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := sink.UpdateSuspicious(ctx, batch)
		if err != nil {
			return fmt.Errorf("write flags: %w", err)
		}
		result.Updated += n
		batch = batch[:0]
		return nil
	}

	for i := range postings {
		if i%backfillBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}

		p := &postings[i]
		vector, err := e.extractor.Extract(p)
		if err != nil {
			result.Skipped = append(result.Skipped, PostingSkip{PostingID: p.ID, Reason: err.Error()})
			continue
		}
		s, err := scoreVector(snap, p.TenantID, vector)
		if err != nil {
			result.Skipped = append(result.Skipped, PostingSkip{PostingID: p.ID, Reason: err.Error()})
			continue
		}

		result.Evaluated++
		batch = append(batch, repository.FlagUpdate{PostingID: p.ID, IsSuspicious: posting.Flag(s.IsAnomaly)})
		if len(batch) == backfillBatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
	}
	if err := flush(); err != nil {
		return result, err
	}

	e.metrics.BackfillUpdatedTotal.Add(float64(result.Updated))
	e.metrics.BackfillSkippedTotal.Add(float64(len(result.Skipped)))
	e.logger.Info("Backfill complete",
		zap.Uint64("snapshot_version", snap.Version()),
		zap.Int("evaluated", result.Evaluated),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", len(result.Skipped)))

	return result, nil
}
