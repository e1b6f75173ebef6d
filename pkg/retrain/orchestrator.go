// Package retrain coordinates training runs, model store swaps and artifact persistence.
package retrain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/metrics"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
	"github.com/hed1ad/ledgerguard/pkg/trainer"
)

// Scope is the extent of a retrain.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeAll    Scope = "all"
)

var (
	// ErrTraining is matched by every TrainingError.
	ErrTraining = errors.New("training failed")
	// ErrPersist is matched by every PersistError.
	ErrPersist = errors.New("model persistence failed")
)

// TrainingError means no swap happened; the previous snapshot is still live.
type TrainingError struct {
	Scope Scope
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("%s retrain: %v", e.Scope, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTraining) hold.
func (e *TrainingError) Is(target error) bool { return target == ErrTraining }

// PersistError means the new snapshot is live but the artifact was not written,
// so memory and the stored artifact have diverged until the next successful save.
type PersistError struct {
	RunID uuid.UUID
	Err   error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("run %s: models swapped but not persisted: %v", e.RunID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersist) hold.
func (e *PersistError) Is(target error) bool { return target == ErrPersist }

// Result reports a retrain. It is returned alongside a *PersistError so callers
// can still see what was trained.
type Result struct {
	RunID            uuid.UUID         `json:"run_id"`
	Scope            Scope             `json:"scope"`
	TenantID         *posting.TenantID `json:"tenant_id,omitempty"`
	Retrained        bool              `json:"retrained"`
	TenantsProcessed int               `json:"tenants_processed"`
	TenantsSkipped   []trainer.Skip    `json:"tenants_skipped"`
	DroppedRows      int               `json:"dropped_rows"`
	Persisted        bool              `json:"persisted"`
	PersistError     string            `json:"persist_error,omitempty"`
	StoreSize        int               `json:"store_size"`
	SnapshotVersion  uint64            `json:"snapshot_version"`
}

// Orchestrator runs retrains.
//
// Tenant retrains of the same tenant serialize on a per-tenant mutex and may run
// alongside retrains of other tenants. A full retrain excludes all tenant
// retrains so its Replace can not discard a concurrent Merge. Artifact writes
// serialize on their own mutex and always save the snapshot live at write time.
type Orchestrator struct {
	trainer   *trainer.Trainer
	postings  repository.PostingReader
	tenants   repository.TenantRegistry
	store     *modelstore.Store
	artifacts modelstore.ArtifactStore
	metrics   *metrics.Metrics
	logger    *zap.Logger

	fullMu      sync.RWMutex
	persistMu   sync.Mutex
	tenantMu    sync.Mutex
	tenantLocks map[posting.TenantID]*sync.Mutex
}

// New creates an orchestrator.
func New(
	tr *trainer.Trainer,
	postings repository.PostingReader,
	tenants repository.TenantRegistry,
	store *modelstore.Store,
	artifacts modelstore.ArtifactStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		trainer:     tr,
		postings:    postings,
		tenants:     tenants,
		store:       store,
		artifacts:   artifacts,
		metrics:     m,
		logger:      logger,
		tenantLocks: make(map[posting.TenantID]*sync.Mutex),
	}
}

// Store returns the model store the orchestrator swaps into.
func (o *Orchestrator) Store() *modelstore.Store {
	return o.store
}

// Restore loads the persisted artifact into the store. A read failure leaves
// the store empty and is only returned when strict is set.
func (o *Orchestrator) Restore(ctx context.Context, strict bool) error {
	snap, err := o.artifacts.Load(ctx)
	if err != nil {
		if strict {
			return err
		}
		o.logger.Error("Failed to load model artifact, starting with no models", zap.Error(err))
		return nil
	}

	live := o.store.ReplaceSnapshot(snap)
	o.metrics.ObserveSnapshot(live.Len(), live.Version())
	o.logger.Info("Restored models from artifact",
		zap.Int("tenants", live.Len()),
		zap.Uint64("snapshot_version", live.Version()))
	return nil
}

// Retrain retrains one tenant when tenant is non-nil, otherwise every tenant.
//
// A *TrainingError means nothing changed. A *PersistError comes with a Result
// whose models are live but not saved.
func (o *Orchestrator) Retrain(ctx context.Context, tenant *posting.TenantID) (Result, error) {
	scope := ScopeAll
	if tenant != nil {
		scope = ScopeTenant
	}

	start := time.Now()
	var (
		result Result
		err    error
	)
	if tenant != nil {
		result, err = o.retrainTenant(ctx, *tenant)
	} else {
		result, err = o.retrainAll(ctx)
	}
	o.metrics.RetrainDuration.WithLabelValues(string(scope)).Observe(time.Since(start).Seconds())
	o.metrics.RetrainsTotal.WithLabelValues(string(scope), retrainOutcome(result, err)).Inc()
	return result, err
}

func retrainOutcome(r Result, err error) string {
	switch {
	case errors.Is(err, ErrTraining):
		return metrics.OutcomeTrainingFailed
	case errors.Is(err, ErrPersist):
		return metrics.OutcomePersistFailed
	case err != nil:
		return metrics.OutcomeTrainingFailed
	case !r.Retrained:
		return metrics.OutcomeNotRetrained
	default:
		return metrics.OutcomeSuccess
	}
}

func (o *Orchestrator) tenantLock(id posting.TenantID) *sync.Mutex {
	o.tenantMu.Lock()
	defer o.tenantMu.Unlock()

	l, ok := o.tenantLocks[id]
	if !ok {
		l = &sync.Mutex{}
		o.tenantLocks[id] = l
	}
	return l
}

func (o *Orchestrator) retrainTenant(ctx context.Context, id posting.TenantID) (Result, error) {
	o.fullMu.RLock()
	defer o.fullMu.RUnlock()

	lock := o.tenantLock(id)
	lock.Lock()
	defer lock.Unlock()

	history, err := o.postings.PostingsForTenant(ctx, id)
	if err != nil {
		return Result{}, &TrainingError{Scope: ScopeTenant, Err: fmt.Errorf("load postings for tenant %s: %w", id, err)}
	}

	pairs, summary, err := o.trainer.Train(ctx, map[posting.TenantID][]posting.Posting{id: history})
	if err != nil {
		return Result{}, &TrainingError{Scope: ScopeTenant, Err: err}
	}

	result := newResult(ScopeTenant, summary)
	result.TenantID = &id

	pair, ok := pairs[id]
	if !ok {
		live := o.store.Current()
		result.StoreSize = live.Len()
		result.SnapshotVersion = live.Version()
		o.logger.Warn("Tenant not retrained, keeping previous model",
			zap.Stringer("tenant_id", id),
			zap.Stringer("run_id", summary.RunID),
			zap.Any("skipped", summary.Skipped))
		return result, nil
	}

	if _, err := o.store.Merge(id, pair); err != nil {
		return Result{}, &TrainingError{Scope: ScopeTenant, Err: err}
	}
	result.Retrained = true

	o.logger.Info("Tenant retrained",
		zap.Stringer("tenant_id", id),
		zap.Stringer("run_id", summary.RunID),
		zap.Float64("threshold", pair.Forest.Threshold()))

	return o.persist(ctx, result)
}

func (o *Orchestrator) retrainAll(ctx context.Context) (Result, error) {
	o.fullMu.Lock()
	defer o.fullMu.Unlock()

	ids, err := o.tenants.TenantIDs(ctx)
	if err != nil {
		return Result{}, &TrainingError{Scope: ScopeAll, Err: fmt.Errorf("list tenants: %w", err)}
	}
	grouped, err := o.postings.PostingsByTenant(ctx)
	if err != nil {
		return Result{}, &TrainingError{Scope: ScopeAll, Err: fmt.Errorf("load postings: %w", err)}
	}

	groups := make(map[posting.TenantID][]posting.Posting, len(ids))
	for _, id := range ids {
		groups[id] = grouped[id]
	}
	for id, ps := range grouped {
		groups[id] = ps
	}

	pairs, summary, err := o.trainer.Train(ctx, groups)
	if err != nil {
		return Result{}, &TrainingError{Scope: ScopeAll, Err: err}
	}

	result := newResult(ScopeAll, summary)
	previous := o.store.Current()
	o.store.Replace(pairs)
	result.Retrained = true

	dropped := droppedTenants(previous, pairs)
	o.logger.Info("Full retrain swapped models",
		zap.Stringer("run_id", summary.RunID),
		zap.Int("tenants", len(pairs)),
		zap.Int("skipped", len(summary.Skipped)),
		zap.Int("dropped_rows", summary.DroppedRows),
		zap.Any("tenants_removed", dropped))

	return o.persist(ctx, result)
}

func newResult(scope Scope, summary trainer.Summary) Result {
	skipped := summary.Skipped
	if skipped == nil {
		skipped = []trainer.Skip{}
	}
	return Result{
		RunID:            summary.RunID,
		Scope:            scope,
		TenantsProcessed: len(summary.Processed),
		TenantsSkipped:   skipped,
		DroppedRows:      summary.DroppedRows,
	}
}

// droppedTenants lists tenants of prev that have no pair in pairs.
func droppedTenants(prev *modelstore.Snapshot, pairs map[posting.TenantID]*modelstore.ModelPair) []posting.TenantID {
	var out []posting.TenantID
	for _, id := range prev.Tenants() {
		if _, ok := pairs[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// persist saves the live snapshot. Whatever the outcome, result reports the live store.
func (o *Orchestrator) persist(ctx context.Context, result Result) (Result, error) {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	live := o.store.Current()
	result.StoreSize = live.Len()
	result.SnapshotVersion = live.Version()
	o.metrics.ObserveSnapshot(live.Len(), live.Version())

	if err := o.artifacts.Save(ctx, live); err != nil {
		o.metrics.ArtifactPersistFailuresTotal.Inc()
		o.logger.Error("Models swapped but artifact write failed",
			zap.Stringer("run_id", result.RunID),
			zap.Uint64("snapshot_version", live.Version()),
			zap.Error(err))
		result.Persisted = false
		result.PersistError = err.Error()
		return result, &PersistError{RunID: result.RunID, Err: err}
	}

	result.Persisted = true
	return result, nil
}
