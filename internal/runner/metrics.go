package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks run outcomes and context window pressure.
type Metrics struct {
	// RunCounter counts terminal run outcomes.
	// Labels: outcome (completed|aborted|failed|unauthenticated)
	RunCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption per completed run.
	// Labels: type (input|output)
	TokensUsed *prometheus.CounterVec

	// WindowDropped counts log entries excluded from context windows by
	// the token budget.
	WindowDropped prometheus.Counter

	// RunDuration measures run wall time in seconds.
	// Buckets: 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	RunDuration prometheus.Histogram
}

// NewMetrics creates and registers the run metrics. A nil registerer uses
// the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_runs_total",
				Help: "Total number of agent runs by terminal outcome",
			},
			[]string{"outcome"},
		),

		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Total number of tokens consumed by type",
			},
			[]string{"type"},
		),

		WindowDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_window_dropped_entries_total",
				Help: "Total number of log entries dropped from context windows",
			},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
	}
}
