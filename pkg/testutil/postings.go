// Package testutil builds deterministic posting histories for tests.
package testutil

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hed1ad/ledgerguard/pkg/posting"
)

// Accounts most postings are booked against; 1001 dominates.
var Accounts = []int64{1001, 1001, 1001, 1002, 1003}

// ClusteredPostings returns n postings for tenant with amounts around center (DKK),
// spread by a normal distribution with the given standard deviation.
// IDs are tenant*1_000_000 + i + 1, so histories of different tenants never collide.
func ClusteredPostings(tenant posting.TenantID, n int, center, spread float64, seed int64) []posting.Posting {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	out := make([]posting.Posting, n)
	for i := range out {
		amount := center + rng.NormFloat64()*spread
		out[i] = posting.Posting{
			ID:                  int64(tenant)*1_000_000 + int64(i) + 1,
			TenantID:            tenant,
			AccountHandleNumber: Accounts[rng.Intn(len(Accounts))],
			Amount:              decimal.NewFromFloat(amount).Round(2),
			Date:                start.AddDate(0, 0, i%365),
			Currency:            "DKK",
			Description:         "Faktura",
		}
	}
	return out
}

// ConstantAccountPostings returns n postings that all hit one account, which
// makes the account feature degenerate.
func ConstantAccountPostings(tenant posting.TenantID, n int, seed int64) []posting.Posting {
	out := ClusteredPostings(tenant, n, -1000, 100, seed)
	for i := range out {
		out[i].AccountHandleNumber = 2000
	}
	return out
}
