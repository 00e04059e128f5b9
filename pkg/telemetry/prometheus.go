package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on the admin listener.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	cacheLookups      *prometheus.CounterVec
	credentialFetches *prometheus.CounterVec
	quotaDecisions    *prometheus.CounterVec
	auxFallbacks      *prometheus.CounterVec
	rewriteBytes      *prometheus.CounterVec
	configReloads     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all relay collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_requests_total",
				Help: "Client requests handled, by site and outcome",
			},
			[]string{"site", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siterelay_request_duration_seconds",
				Help:    "End-to-end client request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"site"},
		),
		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_upstream_requests_total",
				Help: "Upstream requests by site, request class and status code",
			},
			[]string{"site", "class", "code"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siterelay_upstream_duration_seconds",
				Help:    "Upstream latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"site", "class"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_cache_lookups_total",
				Help: "Cache lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		credentialFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_credential_fetches_total",
				Help: "Account API fetches by result",
			},
			[]string{"result"},
		),
		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_quota_decisions_total",
				Help: "Quota gate decisions by result",
			},
			[]string{"result"},
		),
		auxFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_auxiliary_fallbacks_total",
				Help: "Auxiliary JSON responses replaced by an empty payload",
			},
			[]string{"site", "reason"},
		),
		rewriteBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_rewrite_bytes_total",
				Help: "Bytes passed through the body rewriter, by content kind and direction",
			},
			[]string{"kind", "direction"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siterelay_config_reloads_total",
				Help: "Site profile reloads by status",
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamTotal,
		m.upstreamDuration,
		m.cacheLookups,
		m.credentialFetches,
		m.quotaDecisions,
		m.auxFallbacks,
		m.rewriteBytes,
		m.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts a finished client request.
func (m *Metrics) RecordRequest(site, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(site, outcome).Inc()
	m.requestDuration.WithLabelValues(site).Observe(duration.Seconds())
}

// RecordUpstream counts an upstream exchange. Status 0 means transport failure.
func (m *Metrics) RecordUpstream(site, class string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.upstreamTotal.WithLabelValues(site, class, code).Inc()
	m.upstreamDuration.WithLabelValues(site, class).Observe(duration.Seconds())
}

// RecordCacheLookup counts a namespace hit or miss.
func (m *Metrics) RecordCacheLookup(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(namespace, result).Inc()
}

// RecordCredentialFetch counts an account API call.
func (m *Metrics) RecordCredentialFetch(result string) {
	if m == nil {
		return
	}
	m.credentialFetches.WithLabelValues(result).Inc()
}

// RecordQuotaDecision counts a quota gate outcome.
func (m *Metrics) RecordQuotaDecision(result string) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(result).Inc()
}

// RecordAuxFallback counts an auxiliary JSON degradation.
func (m *Metrics) RecordAuxFallback(site, reason string) {
	if m == nil {
		return
	}
	m.auxFallbacks.WithLabelValues(site, reason).Inc()
}

// RecordRewrite counts bytes in and out of the rewriter.
func (m *Metrics) RecordRewrite(kind string, in, out int) {
	if m == nil {
		return
	}
	m.rewriteBytes.WithLabelValues(kind, "in").Add(float64(in))
	m.rewriteBytes.WithLabelValues(kind, "out").Add(float64(out))
}

// RecordConfigReload counts a site profile reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}
