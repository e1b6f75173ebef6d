// Package modelstore keeps the live per-tenant model pairs and their persisted artifact.
//
// The store holds an immutable Snapshot behind an atomic pointer. Readers load
// the pointer and never lock; writers build a new Snapshot and swap it in, so a
// reader always sees a scaler and forest from the same training run.
package modelstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/ledgerguard/pkg/detectors/iforest"
	"github.com/hed1ad/ledgerguard/pkg/detectors/scaler"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// ErrModelNotFound is matched by every ModelNotFoundError.
var ErrModelNotFound = errors.New("model not found")

// ModelNotFoundError reports a tenant without a fitted model pair.
type ModelNotFoundError struct {
	TenantID posting.TenantID
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("no anomaly model for tenant %s", e.TenantID)
}

// Is makes errors.Is(err, ErrModelNotFound) hold.
func (e *ModelNotFoundError) Is(target error) bool {
	return target == ErrModelNotFound
}

// ModelPair is a scaler and forest fitted together in one training run.
// Pairs are never mutated after construction.
type ModelPair struct {
	TenantID  posting.TenantID
	RunID     uuid.UUID
	Scaler    *scaler.Scaler
	Forest    *iforest.Forest
	TrainedAt time.Time
}

// NewModelPair validates that scaler and forest agree on dimensionality.
func NewModelPair(tenant posting.TenantID, runID uuid.UUID, s *scaler.Scaler, f *iforest.Forest, trainedAt time.Time) (*ModelPair, error) {
	if s == nil || f == nil {
		return nil, errors.New("model pair needs both a scaler and a forest")
	}
	if s.Dim() != f.NumFeatures() {
		return nil, fmt.Errorf("scaler has %d features, forest has %d", s.Dim(), f.NumFeatures())
	}
	return &ModelPair{
		TenantID:  tenant,
		RunID:     runID,
		Scaler:    s,
		Forest:    f,
		TrainedAt: trainedAt,
	}, nil
}

// Snapshot is an immutable tenant -> pair mapping.
type Snapshot struct {
	pairs     map[posting.TenantID]*ModelPair
	version   uint64
	createdAt time.Time
}

// NewSnapshot copies pairs into a new snapshot. Nil entries are dropped.
func NewSnapshot(pairs map[posting.TenantID]*ModelPair) *Snapshot {
	m := make(map[posting.TenantID]*ModelPair, len(pairs))
	for id, p := range pairs {
		if p != nil {
			m[id] = p
		}
	}
	return &Snapshot{pairs: m, createdAt: time.Now().UTC()}
}

// Get returns the tenant's pair and whether it exists.
func (s *Snapshot) Get(tenant posting.TenantID) (*ModelPair, bool) {
	p, ok := s.pairs[tenant]
	return p, ok
}

// Len returns the number of tenants with a model.
func (s *Snapshot) Len() int {
	return len(s.pairs)
}

// Tenants returns the tenant ids in ascending order.
func (s *Snapshot) Tenants() []posting.TenantID {
	ids := make([]posting.TenantID, 0, len(s.pairs))
	for id := range s.pairs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pairs returns a copy of the mapping.
func (s *Snapshot) Pairs() map[posting.TenantID]*ModelPair {
	m := make(map[posting.TenantID]*ModelPair, len(s.pairs))
	for id, p := range s.pairs {
		m[id] = p
	}
	return m
}

// Version increases by one with every swap into a Store.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// CreatedAt is when the snapshot was built.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// Store is the process-wide registry of per-tenant model pairs.
type Store struct {
	current atomic.Pointer[Snapshot]

	// mu serializes writers so a Merge never loses a concurrent Merge.
	mu sync.Mutex
}

// New returns an empty store.
func New() *Store {
	return NewFromSnapshot(NewSnapshot(nil))
}

// NewFromSnapshot returns a store serving snap.
func NewFromSnapshot(snap *Snapshot) *Store {
	s := &Store{}
	if snap == nil {
		snap = NewSnapshot(nil)
	}
	s.current.Store(snap)
	return s
}

// Get looks up a tenant in the live snapshot.
func (s *Store) Get(tenant posting.TenantID) (*ModelPair, bool) {
	return s.current.Load().Get(tenant)
}

// Current returns the live snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Len returns the number of tenants in the live snapshot.
func (s *Store) Len() int {
	return s.current.Load().Len()
}

// Replace swaps in a snapshot built from pairs. Tenants absent from pairs are dropped.
func (s *Store) Replace(pairs map[posting.TenantID]*ModelPair) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := NewSnapshot(pairs)
	return s.swap(next)
}

// ReplaceSnapshot swaps in snap as-is, for example one loaded from an artifact.
func (s *Store) ReplaceSnapshot(snap *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.swap(NewSnapshot(snap.pairs))
}

// Merge swaps in a snapshot equal to the current one except for tenant's entry.
func (s *Store) Merge(tenant posting.TenantID, pair *ModelPair) (*Snapshot, error) {
	if pair == nil {
		return nil, errors.New("merge requires a model pair")
	}
	if pair.TenantID != tenant {
		return nil, fmt.Errorf("pair belongs to tenant %s, not %s", pair.TenantID, tenant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := s.current.Load().Pairs()
	pairs[tenant] = pair
	return s.swap(NewSnapshot(pairs)), nil
}

func (s *Store) swap(next *Snapshot) *Snapshot {
	next.version = s.current.Load().version + 1
	s.current.Store(next)
	return next
}
