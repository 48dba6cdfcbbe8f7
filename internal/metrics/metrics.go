// Package metrics provides Prometheus metrics for the chat gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatgw"

// Outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeCached      = "cached"
	OutcomeCanceled    = "canceled"
)

// Metrics holds every collector the gateway exports. Each instance owns its
// registry so several gateways can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	TurnsInFlight    prometheus.Gauge
	CacheLookups     *prometheus.CounterVec
	RateLimitChecks  *prometheus.CounterVec
	EnrichmentTotal  *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	PromptTokens     *prometheus.HistogramVec
	StoreSwept       prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
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
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Chat turns handled, by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end duration of chat turns",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
		TurnsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "turns_in_flight",
				Help:      "Chat turns currently being processed",
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups, by result",
			},
			[]string{"result"},
		),
		RateLimitChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_checks_total",
				Help:      "Rate limit decisions, by tenant and result",
			},
			[]string{"tenant", "result"},
		),
		EnrichmentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichment_total",
				Help:      "Secondary model calls, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Duration of upstream completion calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"call", "status"},
		),
		PromptTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "prompt_tokens",
				Help:      "Prompt tokens of dispatched conversations",
				Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
			},
			[]string{"model"},
		),
		StoreSwept: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_swept_entries_total",
				Help:      "Expired entries removed by the background sweeper",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(mode, outcome string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordUpstream records one upstream call.
func (m *Metrics) RecordUpstream(call string, err error, duration time.Duration) {
	status := OutcomeSuccess
	if err != nil {
		status = OutcomeError
	}
	m.UpstreamDuration.WithLabelValues(call, status).Observe(duration.Seconds())
}

// RecordEnrichment records an ambiguity or topic call outcome.
func (m *Metrics) RecordEnrichment(kind string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	m.EnrichmentTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimit records a limiter decision for tenant.
func (m *Metrics) RecordRateLimit(tenant string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitChecks.WithLabelValues(tenant, result).Inc()
}
