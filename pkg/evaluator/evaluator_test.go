package evaluator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/features"
	"github.com/hed1ad/ledgerguard/pkg/modelstore"
	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
	"github.com/hed1ad/ledgerguard/pkg/repository/memory"
	"github.com/hed1ad/ledgerguard/pkg/testutil"
	"github.com/hed1ad/ledgerguard/pkg/trainer"
)

const tenant posting.TenantID = 7

func train(t *testing.T, groups map[posting.TenantID][]posting.Posting) map[posting.TenantID]*modelstore.ModelPair {
	t.Helper()
	cfg := trainer.DefaultConfig()
	cfg.Trees = 50
	tr, err := trainer.New(cfg, zap.NewNop())
	require.NoError(t, err)
	pairs, _, err := tr.Train(context.Background(), groups)
	require.NoError(t, err)
	return pairs
}

func history() []posting.Posting {
	return testutil.ClusteredPostings(tenant, 500, -50000, 2000, 11)
}

func newEvaluator(t *testing.T) (*Evaluator, *modelstore.Store) {
	t.Helper()
	store := modelstore.New()
	store.Replace(train(t, map[posting.TenantID][]posting.Posting{tenant: history()}))
	return New(store, nil, zap.NewNop()), store
}

func TestEvaluate(t *testing.T) {
	e, _ := newEvaluator(t)

	suspicious, err := e.Evaluate(tenant, 1001, decimal.NewFromInt(-50000))
	require.NoError(t, err)
	assert.False(t, suspicious)

	suspicious, err = e.Evaluate(tenant, 1001, decimal.NewFromInt(-5000000))
	require.NoError(t, err)
	assert.True(t, suspicious)
}

func TestEvaluateUnknownTenant(t *testing.T) {
	e, _ := newEvaluator(t)

	_, err := e.Evaluate(999, 1001, decimal.NewFromInt(-50000))
	require.Error(t, err)

	var notFound *modelstore.ModelNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, posting.TenantID(999), notFound.TenantID)
	assert.ErrorIs(t, err, modelstore.ErrModelNotFound)
}

func TestEvaluateEmptyStore(t *testing.T) {
	e := New(modelstore.New(), nil, nil)
	_, err := e.Evaluate(tenant, 1001, decimal.NewFromInt(-50000))
	assert.ErrorIs(t, err, modelstore.ErrModelNotFound)
}

func TestEvaluateUnrepresentableAmount(t *testing.T) {
	e, _ := newEvaluator(t)
	_, err := e.Evaluate(tenant, 1001, decimal.New(1, 400))
	assert.ErrorIs(t, err, features.ErrFeatureValidation)
}

func TestScore(t *testing.T) {
	e, _ := newEvaluator(t)

	tests := []struct {
		name      string
		data      any
		anomalous bool
		wantErr   error
	}{
		{
			name: "typical posting",
			data: posting.Posting{TenantID: tenant, AccountHandleNumber: 1001, Amount: decimal.NewFromInt(-50500)},
		},
		{
			name:      "json payload outlier",
			data:      map[string]any{"account_handle_number": float64(1001), "amount": float64(-5000000)},
			anomalous: true,
		},
		{
			name:    "missing amount",
			data:    map[string]any{"account_handle_number": float64(1001)},
			wantErr: features.ErrFeatureValidation,
		},
		{
			name:    "non-numeric account",
			data:    map[string]any{"account_handle_number": "cash", "amount": float64(10)},
			wantErr: features.ErrFeatureValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := e.Score(tenant, tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.anomalous, s.IsAnomaly)
			assert.Equal(t, s.Value > s.Threshold, s.IsAnomaly)
			assert.Len(t, s.Features, features.Dim)
		})
	}
}

func TestTenantIsolation(t *testing.T) {
	// Tenant 8 books amounts around +300; a -50000 posting is normal only for tenant 7.
	store := modelstore.New()
	store.Replace(train(t, map[posting.TenantID][]posting.Posting{
		tenant: history(),
		8:      testutil.ClusteredPostings(8, 500, 300, 40, 12),
	}))
	e := New(store, nil, nil)

	a, err := e.Evaluate(tenant, 1001, decimal.NewFromInt(-50000))
	require.NoError(t, err)
	b, err := e.Evaluate(8, 1001, decimal.NewFromInt(-50000))
	require.NoError(t, err)

	assert.False(t, a)
	assert.True(t, b)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvaluator(t)

	postings := history()
	outlier := posting.Posting{ID: 1, TenantID: tenant, AccountHandleNumber: 1001, Amount: decimal.NewFromInt(-5000000)}
	orphan := posting.Posting{ID: 2, TenantID: 999, AccountHandleNumber: 1001, Amount: decimal.NewFromInt(-50000)}
	broken := posting.Posting{ID: 3, TenantID: tenant, AccountHandleNumber: 1001, Amount: decimal.New(1, 400)}
	postings = append(postings, outlier, orphan, broken)

	repo := memory.New(postings...)

	result, err := e.Backfill(ctx, postings, repo)
	require.NoError(t, err)

	assert.Equal(t, len(postings)-2, result.Evaluated)
	assert.Equal(t, result.Evaluated, result.Updated)
	require.Len(t, result.Skipped, 2)
	assert.Equal(t, int64(2), result.Skipped[0].PostingID)
	assert.Contains(t, result.Skipped[0].Reason, "no anomaly model")
	assert.Equal(t, int64(3), result.Skipped[1].PostingID)

	stored, ok := repo.Get(outlier.ID)
	require.True(t, ok)
	require.NotNil(t, stored.IsSuspicious)
	assert.True(t, *stored.IsSuspicious)

	stored, _ = repo.Get(orphan.ID)
	assert.Nil(t, stored.IsSuspicious)

	again, err := e.Backfill(ctx, postings, repo)
	require.NoError(t, err)
	assert.Equal(t, result.Evaluated, again.Evaluated)
	assert.Zero(t, again.Updated)
}

type failingSink struct{}

func (failingSink) UpdateSuspicious(context.Context, []repository.FlagUpdate) (int, error) {
	return 0, errors.New("disk full")
}

func TestBackfillSinkError(t *testing.T) {
	e, _ := newEvaluator(t)
	_, err := e.Backfill(context.Background(), history(), failingSink{})
	assert.ErrorContains(t, err, "disk full")
}

func TestBackfillCancelled(t *testing.T) {
	e, _ := newEvaluator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Backfill(ctx, history(), memory.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateDuringReplace(t *testing.T) {
	e, store := newEvaluator(t)
	alternate := train(t, map[posting.TenantID][]posting.Posting{
		tenant: testutil.ClusteredPostings(tenant, 300, -48000, 1500, 99),
	})
	original := store.Current().Pairs()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := e.Evaluate(tenant, 1001, decimal.NewFromInt(-50000)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			store.Replace(alternate)
		} else {
			store.Replace(original)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("evaluate during replace: %v", err)
	}
}
