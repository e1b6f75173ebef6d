// Package metrics holds the Prometheus collectors for the detection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ledgerguard"

// Evaluation outcomes.
const (
	OutcomeSuspicious = "suspicious"
	OutcomeNormal     = "normal"
	OutcomeNoModel    = "no_model"
	OutcomeInvalid    = "invalid"
)

// Retrain outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeNotRetrained   = "not_retrained"
	OutcomeTrainingFailed = "training_failed"
	OutcomePersistFailed  = "persist_failed"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Evaluation metrics
	EvaluationsTotal   *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram

	// Training metrics
	RetrainsTotal       *prometheus.CounterVec
	RetrainDuration     *prometheus.HistogramVec
	TenantsSkippedTotal prometheus.Counter

	// Model store metrics
	ModelsLoaded                 prometheus.Gauge
	SnapshotVersion              prometheus.Gauge
	ArtifactPersistFailuresTotal prometheus.Counter

	// Backfill metrics
	BackfillUpdatedTotal prometheus.Counter
	BackfillSkippedTotal prometheus.Counter

	// Intake metrics
	EventsConsumedTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "evaluations_total",
			Help:      "Total number of posting evaluations by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "evaluation_duration_seconds",
			Help:      "Histogram of single posting evaluation durations",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),

		RetrainsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "retrains_total",
			Help:      "Total number of retrain requests by scope and outcome",
		}, []string{"scope", "outcome"}),
		RetrainDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "retrain_duration_seconds",
			Help:      "Histogram of retrain durations",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"scope"}),
		TenantsSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "tenants_skipped_total",
			Help:      "Total number of tenants skipped during training",
		}),

		ModelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modelstore",
			Name:      "tenants",
			Help:      "Number of tenants with a live model pair",
		}),
		SnapshotVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modelstore",
			Name:      "snapshot_version",
			Help:      "Version of the live model snapshot",
		}),
		ArtifactPersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modelstore",
			Name:      "artifact_persist_failures_total",
			Help:      "Total number of failed artifact writes after a swap",
		}),

		BackfillUpdatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "updated_total",
			Help:      "Total number of postings whose flag changed during backfill",
		}),
		BackfillSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "skipped_total",
			Help:      "Total number of postings skipped during backfill",
		}),

		EventsConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Total number of posting events consumed by outcome",
		}, []string{"outcome"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewUnregistered returns metrics attached to a private registry, for tests and
// components constructed without a shared registry.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveSnapshot records the size and version of the live snapshot.
func (m *Metrics) ObserveSnapshot(tenants int, version uint64) {
	m.ModelsLoaded.Set(float64(tenants))
	m.SnapshotVersion.Set(float64(version))
}
