// Package metrics defines the Prometheus collectors for the relay and exposes
// an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	PublishesTotal  *prometheus.CounterVec
	CacheHitsTotal  prometheus.Counter
	RateLimited     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pastey_backend_attempts_total",
				Help: "Backend publish attempts by backend and outcome (ok, bad_status, unreachable, error).",
			},
			[]string{"backend", "outcome"},
		),
		AttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pastey_backend_attempt_duration_seconds",
				Help:    "Backend publish attempt latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend"},
		),
		PublishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pastey_publishes_total",
				Help: "Publish operations by result (ok, unreachable, error).",
			},
			[]string{"result"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pastey_cache_hits_total",
				Help: "Pastes answered from the result cache.",
			},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pastey_rate_limited_total",
				Help: "Requests rejected by the rate limiter, by transport.",
			},
			[]string{"transport"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.AttemptsTotal,
		m.AttemptDuration,
		m.PublishesTotal,
		m.CacheHitsTotal,
		m.RateLimited,
	)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
