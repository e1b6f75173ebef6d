package trainer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hed1ad/ledgerguard/pkg/posting"
	"github.com/hed1ad/ledgerguard/pkg/testutil"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Trees = 25
	cfg.SampleSize = 128
	return cfg
}

func newTrainer(t *testing.T, cfg Config) *Trainer {
	t.Helper()
	tr, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	tr.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return tr
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "clamp policy", mutate: func(c *Config) { c.DegeneratePolicy = DegenerateClamp }},
		{name: "zero contamination", mutate: func(c *Config) { c.Contamination = 0 }, wantErr: true},
		{name: "no trees", mutate: func(c *Config) { c.Trees = 0 }, wantErr: true},
		{name: "no samples", mutate: func(c *Config) { c.SampleSize = 0 }, wantErr: true},
		{name: "min samples zero", mutate: func(c *Config) { c.MinSamples = 0 }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.DegeneratePolicy = "ignore" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTrainGroups(t *testing.T) {
	tr := newTrainer(t, testConfig())

	groups := map[posting.TenantID][]posting.Posting{
		1: testutil.ClusteredPostings(1, 200, -50000, 2000, 1),
		2: testutil.ClusteredPostings(2, 150, 1200, 300, 2),
		3: nil,
		4: testutil.ConstantAccountPostings(4, 50, 4),
	}

	pairs, summary, err := tr.Train(context.Background(), groups)
	require.NoError(t, err)

	assert.Len(t, pairs, 2)
	assert.Equal(t, []posting.TenantID{1, 2}, summary.Processed)
	require.Len(t, summary.Skipped, 2)
	assert.Equal(t, Skip{TenantID: 3, Reason: "no postings"}, summary.Skipped[0])
	assert.Equal(t, posting.TenantID(4), summary.Skipped[1].TenantID)
	assert.Contains(t, summary.Skipped[1].Reason, "degenerate feature account_handle_number")

	for id, p := range pairs {
		assert.Equal(t, id, p.TenantID)
		assert.Equal(t, summary.RunID, p.RunID)
		assert.Equal(t, summary.TrainedAt, p.TrainedAt)
		assert.Equal(t, 25, p.Forest.NumTrees())
		assert.Equal(t, 0.05, p.Forest.Contamination())
	}
}

func TestTrainClampPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.DegeneratePolicy = DegenerateClamp
	tr := newTrainer(t, cfg)

	pairs, summary, err := tr.Train(context.Background(), map[posting.TenantID][]posting.Posting{
		4: testutil.ConstantAccountPostings(4, 50, 4),
	})
	require.NoError(t, err)

	require.Contains(t, pairs, posting.TenantID(4))
	assert.Empty(t, summary.Skipped)
	assert.Equal(t, 1.0, pairs[4].Scaler.Params().Std[0])
}

func TestTrainMinSamples(t *testing.T) {
	cfg := testConfig()
	cfg.MinSamples = 100
	tr := newTrainer(t, cfg)

	pairs, summary, err := tr.Train(context.Background(), map[posting.TenantID][]posting.Posting{
		1: testutil.ClusteredPostings(1, 99, -50000, 2000, 1),
	})
	require.NoError(t, err)

	assert.Empty(t, pairs)
	require.Len(t, summary.Skipped, 1)
	assert.Contains(t, summary.Skipped[0].Reason, "insufficient data")
}

func TestTrainDropsInvalidRows(t *testing.T) {
	tr := newTrainer(t, testConfig())

	history := testutil.ClusteredPostings(1, 100, -50000, 2000, 1)
	// Too large to be represented as a float64.
	history[0].Amount = decimal.New(1, 400)
	history[1].Amount = decimal.New(-1, 400)

	pairs, summary, err := tr.Train(context.Background(), map[posting.TenantID][]posting.Posting{1: history})
	require.NoError(t, err)

	assert.Contains(t, pairs, posting.TenantID(1))
	assert.Equal(t, 2, summary.DroppedRows)
}

func TestTrainAllRowsInvalid(t *testing.T) {
	tr := newTrainer(t, testConfig())

	history := testutil.ClusteredPostings(1, 3, -50000, 2000, 1)
	for i := range history {
		history[i].Amount = decimal.New(1, 400)
	}

	pairs, summary, err := tr.Train(context.Background(), map[posting.TenantID][]posting.Posting{1: history})
	require.NoError(t, err)

	assert.Empty(t, pairs)
	require.Len(t, summary.Skipped, 1)
	assert.Contains(t, summary.Skipped[0].Reason, "no usable rows")
	assert.Equal(t, 3, summary.DroppedRows)
}

func TestTrainDeterministic(t *testing.T) {
	groups := map[posting.TenantID][]posting.Posting{
		1: testutil.ClusteredPostings(1, 300, -50000, 2000, 1),
		2: testutil.ClusteredPostings(2, 300, 800, 50, 2),
	}

	cfgA := testConfig()
	cfgA.Workers = 1
	cfgB := testConfig()
	cfgB.Workers = 8
	cfgB.TreeWorkers = 4

	a, _, err := newTrainer(t, cfgA).Train(context.Background(), groups)
	require.NoError(t, err)
	b, _, err := newTrainer(t, cfgB).Train(context.Background(), groups)
	require.NoError(t, err)

	for id := range groups {
		assert.Equal(t, a[id].Scaler.Params(), b[id].Scaler.Params())
		assert.Equal(t, a[id].Forest.Params(), b[id].Forest.Params())
	}
}

func TestTrainEmpty(t *testing.T) {
	pairs, summary, err := newTrainer(t, testConfig()).Train(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, pairs)
	assert.Empty(t, summary.Processed)
	assert.Empty(t, summary.Skipped)
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pairs, _, err := newTrainer(t, testConfig()).Train(ctx, map[posting.TenantID][]posting.Posting{
		1: testutil.ClusteredPostings(1, 50, -50000, 2000, 1),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, pairs)
}
