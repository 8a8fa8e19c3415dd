// Package metrics exposes Prometheus instrumentation for consultation turns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeDegraded  = "degraded"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	UpstreamFailures *prometheus.CounterVec
	RateLimited      prometheus.Counter
	ReportsTotal     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_turns_total",
				Help: "Total number of consultation turns by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consult_turn_duration_seconds",
				Help:    "Duration of consultation turns in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
			},
			[]string{"stage"},
		),
		UpstreamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_upstream_failures_total",
				Help: "Failures of external dependencies absorbed or surfaced during turns",
			},
			[]string{"dependency"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consult_rate_limited_total",
				Help: "Requests rejected by the per-IP rate limiter",
			},
		),
		ReportsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_reports_total",
				Help: "Compiled consultation reports by generator",
			},
			[]string{"generator"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTurn records one finished turn. A nil receiver is a no-op so
// callers can run without instrumentation.
func (m *Metrics) ObserveTurn(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(stage, outcome).Inc()
	m.TurnDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// UpstreamFailed counts a failed call to an external dependency.
func (m *Metrics) UpstreamFailed(dependency string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(dependency).Inc()
}

// RateLimitRejected counts a rejected request.
func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// ReportCompiled counts a persisted report.
func (m *Metrics) ReportCompiled(generator string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(generator).Inc()
}
