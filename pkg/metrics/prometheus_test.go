package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EvaluationsTotal.WithLabelValues(OutcomeSuspicious).Inc()
	m.RetrainsTotal.WithLabelValues("all", OutcomeSuccess).Inc()
	m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/evaluate", "200").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ledgerguard_evaluator_evaluations_total",
		"ledgerguard_http_requests_total",
	} {
		assert.True(t, names[want], want)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues(OutcomeSuspicious)))
}

func TestNewMetricsTwiceOnOneRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestObserveSnapshot(t *testing.T) {
	m := NewUnregistered()
	m.ObserveSnapshot(3, 7)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ModelsLoaded))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SnapshotVersion))
}
