// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Assignments counts hash assignments created, by experiment and variant.
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_assignments_total",
		Help: "Variant assignments created by experiment and variant",
	}, []string{"experiment", "variant"})

	// Overrides counts manual assignment overrides.
	Overrides = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_assignment_overrides_total",
		Help: "Manual variant assignment overrides by experiment",
	}, []string{"experiment"})

	// Events counts tracked events by type.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_events_total",
		Help: "Tracked experiment events by type",
	}, []string{"type"})

	// DroppedEvents counts events rejected because tracking was not active.
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_events_dropped_total",
		Help: "Events ignored because the experiment is not accepting events",
	}, []string{"type"})

	// Transitions counts lifecycle transitions by action and result.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_lifecycle_transitions_total",
		Help: "Experiment lifecycle transitions by action and result",
	}, []string{"action", "result"})

	// FlagEvaluations counts feature flag evaluations by reason.
	FlagEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_flag_evaluations_total",
		Help: "Feature flag evaluations by reason",
	}, []string{"reason"})

	// ResultsDuration tracks how long results aggregation takes.
	ResultsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "goatlab_results_duration_seconds",
		Help:    "Results aggregation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// StorageErrors counts persistence failures by operation.
	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goatlab_storage_errors_total",
		Help: "Storage failures by operation",
	}, []string{"operation"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
