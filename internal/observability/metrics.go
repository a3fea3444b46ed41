package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exported by marketpipe.
type Metrics struct {
	// ProviderRequests counts provider invocations by capability class
	// and outcome (success, error, rate_limited).
	ProviderRequests *prometheus.CounterVec

	// ProviderTransitions counts endpoint state transitions by capability
	// class and the state entered (active, error, rate_limited, unusable).
	ProviderTransitions *prometheus.CounterVec

	// StageRuns counts pipeline stage executions by stage and terminal
	// status (completed, failed, cancelled).
	StageRuns *prometheus.CounterVec

	// StageDuration observes wall-clock stage durations in seconds.
	StageDuration *prometheus.HistogramVec

	// AIRequests counts AI generation calls by capability class and status.
	AIRequests *prometheus.CounterVec

	// ProgressDropped counts progress updates evicted from full queues.
	ProgressDropped prometheus.Counter
}

// NewMetrics registers the marketpipe collectors with the given registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProviderRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Name:      "provider_requests_total",
			Help:      "Provider invocations by capability class and outcome.",
		}, []string{"class", "outcome"}),

		ProviderTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Name:      "provider_state_transitions_total",
			Help:      "Endpoint state transitions by capability class and new state.",
		}, []string{"class", "state"}),

		StageRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Name:      "stage_runs_total",
			Help:      "Pipeline stage executions by stage and terminal status.",
		}, []string{"stage", "status"}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketpipe",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock stage duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage"}),

		AIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Name:      "ai_requests_total",
			Help:      "AI generation calls by capability class and status.",
		}, []string{"class", "status"}),

		ProgressDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marketpipe",
			Name:      "progress_updates_dropped_total",
			Help:      "Progress updates evicted because a session queue was full.",
		}),
	}
}

// NewDefaultMetrics registers the collectors with the default Prometheus
// registry used by the /metrics endpoint.
func NewDefaultMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}
