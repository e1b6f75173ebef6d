package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/repository"
)

func createTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "postings.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func createTestPosting(tenant posting.TenantID, account int64, amount string) posting.Posting {
	return posting.Posting{
		TenantID:            tenant,
		AccountHandleNumber: account,
		Amount:              decimal.RequireFromString(amount),
		Date:                time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC),
		Currency:            "DKK",
		Description:         "Faktura",
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "postings.db")

	r, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	var mode string
	require.NoError(t, r.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	r := createTestRepository(t)

	created, err := r.CreatePosting(ctx, createTestPosting(1, 1001, "-50000.25"))
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	_, err = r.CreatePosting(ctx, createTestPosting(2, 1002, "125.00"))
	require.NoError(t, err)
	_, err = r.CreatePosting(ctx, createTestPosting(1, 1003, "10"))
	require.NoError(t, err)

	one, err := r.PostingsForTenant(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, created.ID, one[0].ID)
	assert.True(t, decimal.RequireFromString("-50000.25").Equal(one[0].Amount))
	assert.Equal(t, "2024-05-17", one[0].Date.Format(dateLayout))
	assert.Nil(t, one[0].IsSuspicious)

	grouped, err := r.PostingsByTenant(ctx)
	require.NoError(t, err)
	assert.Len(t, grouped, 2)

	ids, err := r.TenantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []posting.TenantID{1, 2}, ids)
}

func TestTenantWithoutPostings(t *testing.T) {
	ctx := context.Background()
	r := createTestRepository(t)

	require.NoError(t, r.CreateTenant(ctx, 7, "Acme ApS"))

	ids, err := r.TenantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []posting.TenantID{7}, ids)

	ps, err := r.PostingsForTenant(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestUpdateSuspiciousOnlyCountsChanges(t *testing.T) {
	ctx := context.Background()
	r := createTestRepository(t)

	a, err := r.CreatePosting(ctx, createTestPosting(1, 1001, "-100"))
	require.NoError(t, err)
	b, err := r.CreatePosting(ctx, createTestPosting(1, 1001, "-200"))
	require.NoError(t, err)

	updates := []repository.FlagUpdate{
		{PostingID: a.ID, IsSuspicious: posting.Flag(true)},
		{PostingID: b.ID, IsSuspicious: posting.Flag(false)},
	}

	n, err := r.UpdateSuspicious(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.UpdateSuspicious(ctx, updates)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = r.UpdateSuspicious(ctx, []repository.FlagUpdate{{PostingID: a.ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ps, err := r.ListPostings(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Nil(t, ps[0].IsSuspicious)
	require.NotNil(t, ps[1].IsSuspicious)
	assert.False(t, *ps[1].IsSuspicious)
}
