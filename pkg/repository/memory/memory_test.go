package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

func seed() *Repository {
	return New(
		posting.Posting{ID: 3, TenantID: 2, AccountHandleNumber: 1001, Amount: decimal.NewFromInt(-10)},
		posting.Posting{ID: 1, TenantID: 1, AccountHandleNumber: 1001, Amount: decimal.NewFromInt(-20)},
		posting.Posting{ID: 2, TenantID: 1, AccountHandleNumber: 1002, Amount: decimal.NewFromInt(30)},
	)
}

func TestReads(t *testing.T) {
	ctx := context.Background()
	r := seed()

	all, err := r.ListPostings(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].ID, all[1].ID, all[2].ID})

	one, err := r.PostingsForTenant(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	grouped, err := r.PostingsByTenant(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped[1], 2)
	assert.Len(t, grouped[2], 1)

	r.AddTenant(9)
	ids, err := r.TenantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []posting.TenantID{1, 2, 9}, ids)
}

func TestUpdateSuspiciousCountsChanges(t *testing.T) {
	ctx := context.Background()
	r := seed()

	updates := []repository.FlagUpdate{
		{PostingID: 1, IsSuspicious: posting.Flag(true)},
		{PostingID: 2, IsSuspicious: posting.Flag(false)},
		{PostingID: 99, IsSuspicious: posting.Flag(true)},
	}

	n, err := r.UpdateSuspicious(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.UpdateSuspicious(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	p, ok := r.Get(1)
	require.True(t, ok)
	require.NotNil(t, p.IsSuspicious)
	assert.True(t, *p.IsSuspicious)

	n, err = r.UpdateSuspicious(ctx, []repository.FlagUpdate{{PostingID: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p, _ = r.Get(1)
	assert.Nil(t, p.IsSuspicious)
}

func TestCreatePostingAssignsID(t *testing.T) {
	r := seed()
	p, err := r.CreatePosting(context.Background(), posting.Posting{ID: 1, TenantID: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.ID)

	ids, err := r.TenantIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, posting.TenantID(5))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := seed().ListPostings(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
