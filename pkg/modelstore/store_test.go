package modelstore

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ledgerguard/pkg/detectors/iforest"
	"github.com/hed1ad/ledgerguard/pkg/detectors/scaler"
	"github.com/hed1ad/ledgerguard/pkg/posting"
)

func TestStoreEmpty(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.Current().Version())

	_, ok := s.Get(1)
	assert.False(t, ok)
}

func TestStoreReplace(t *testing.T) {
	s := New()
	a := testPair(t, 1, 1)
	b := testPair(t, 2, 2)

	snap := s.Replace(map[posting.TenantID]*ModelPair{1: a, 2: b})
	assert.Equal(t, uint64(1), snap.Version())
	assert.Equal(t, []posting.TenantID{1, 2}, s.Current().Tenants())

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Same(t, a, got)

	// Tenants absent from the new mapping are dropped.
	s.Replace(map[posting.TenantID]*ModelPair{2: b})
	_, ok = s.Get(1)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), s.Current().Version())
}

func TestStoreReplaceCopiesInput(t *testing.T) {
	s := New()
	pairs := map[posting.TenantID]*ModelPair{1: testPair(t, 1, 1)}
	s.Replace(pairs)

	pairs[2] = testPair(t, 2, 2)
	_, ok := s.Get(2)
	assert.False(t, ok, "mutating the caller's map must not leak into the snapshot")
}

func TestStoreMergeLeavesOtherTenantsUntouched(t *testing.T) {
	s := New()
	a := testPair(t, 1, 1)
	b := testPair(t, 2, 2)
	s.Replace(map[posting.TenantID]*ModelPair{1: a, 2: b})

	before, err := encodeTenant(s.Current(), 2)
	require.NoError(t, err)

	a2 := testPair(t, 1, 99)
	_, err = s.Merge(1, a2)
	require.NoError(t, err)

	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Same(t, a2, got)

	gotB, ok := s.Get(2)
	require.True(t, ok)
	assert.Same(t, b, gotB)

	after, err := encodeTenant(s.Current(), 2)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStoreMergeValidation(t *testing.T) {
	s := New()

	_, err := s.Merge(1, nil)
	assert.Error(t, err)

	_, err = s.Merge(1, testPair(t, 2, 1))
	assert.Error(t, err)
}

func TestStoreConcurrentMergesDoNotLoseTenants(t *testing.T) {
	s := New()
	pairs := make([]*ModelPair, 16)
	for i := range pairs {
		pairs[i] = testPair(t, posting.TenantID(i), int64(i))
	}

	var wg sync.WaitGroup
	for i, p := range pairs {
		wg.Add(1)
		go func(id posting.TenantID, p *ModelPair) {
			defer wg.Done()
			_, err := s.Merge(id, p)
			assert.NoError(t, err)
		}(posting.TenantID(i), p)
	}
	wg.Wait()

	assert.Equal(t, len(pairs), s.Len())
	assert.Equal(t, uint64(len(pairs)), s.Current().Version())
}

func TestStoreNoTornPairsUnderReplace(t *testing.T) {
	// Two generations of the same tenant; every read must see one generation whole.
	gen := []*ModelPair{testPair(t, 1, 1), testPair(t, 1, 2)}
	s := NewFromSnapshot(NewSnapshot(map[posting.TenantID]*ModelPair{1: gen[0]}))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Replace(map[posting.TenantID]*ModelPair{1: gen[i%2]})
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p, ok := s.Get(1)
				if !assert.True(t, ok) {
					return
				}
				matched := false
				for _, g := range gen {
					if p.RunID == g.RunID {
						assert.Same(t, g.Scaler, p.Scaler)
						assert.Same(t, g.Forest, p.Forest)
						matched = true
					}
				}
				assert.True(t, matched)
			}
		}()
	}
	wg.Wait()
}

func TestModelNotFoundError(t *testing.T) {
	var err error = &ModelNotFoundError{TenantID: 42}
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.Contains(t, err.Error(), "42")

	wrapped := fmt.Errorf("evaluate: %w", err)
	var mnf *ModelNotFoundError
	require.True(t, errors.As(wrapped, &mnf))
	assert.Equal(t, posting.TenantID(42), mnf.TenantID)
}

func TestNewModelPairDimensionMismatch(t *testing.T) {
	s, err := scaler.Fit([][]float64{{1, 2, 3}, {2, 3, 4}})
	require.NoError(t, err)
	f, err := iforest.Fit(trainingData(50, 1), iforest.WithTrees(5))
	require.NoError(t, err)

	_, err = NewModelPair(1, uuid.New(), s, f, time.Now())
	assert.Error(t, err)
}

// encodeTenant renders one tenant's entry of the artifact, for byte-level comparisons.
func encodeTenant(snap *Snapshot, id posting.TenantID) ([]byte, error) {
	p, ok := snap.Get(id)
	if !ok {
		return nil, &ModelNotFoundError{TenantID: id}
	}
	single := NewSnapshot(map[posting.TenantID]*ModelPair{id: p})
	scalers, forests, err := EncodeSnapshot(single, time.Unix(0, 0))
	if err != nil {
		return nil, err
	}
	return append(scalers, forests...), nil
}

func testPair(t *testing.T, tenant posting.TenantID, seed int64) *ModelPair {
	t.Helper()

	data := trainingData(120, seed)
	s, err := scaler.Fit(data)
	require.NoError(t, err)
	scaled, err := s.TransformAll(data)
	require.NoError(t, err)
	f, err := iforest.Fit(scaled, iforest.WithTrees(10), iforest.WithSampleSize(64), iforest.WithSeed(seed))
	require.NoError(t, err)

	p, err := NewModelPair(tenant, uuid.New(), s, f, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	return p
}

func trainingData(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = []float64{
			float64(1000 + rng.Intn(20)),
			-50000 + rng.NormFloat64()*2500,
		}
	}
	return data
}
