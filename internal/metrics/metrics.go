// Package metrics exposes Prometheus counters for the proxy pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the pipeline's Prometheus metrics behind its own
// registry, so tests can create collectors without global collisions.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	denialsTotal    *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	transformErrors prometheus.Counter
	auditDropped    prometheus.Gauge
}

// NewCollector creates a collector with all pipeline metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanegate_requests_total",
			Help: "Proxied requests by entry and status code.",
		}, []string{"entry", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lanegate_request_duration_seconds",
			Help:    "End-to-end request latency by entry.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entry"}),
		denialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanegate_denials_total",
			Help: "Denied requests by reason code.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanegate_cache_hits_total",
			Help: "Responses served from cache by entry.",
		}, []string{"entry"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanegate_cache_misses_total",
			Help: "Cacheable requests that reached the upstream by entry.",
		}, []string{"entry"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanegate_rate_limited_total",
			Help: "Requests denied by the rate limiter by limiter ID.",
		}, []string{"limiter"}),
		transformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanegate_transform_errors_total",
			Help: "Response transforms that failed or timed out.",
		}),
		auditDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanegate_audit_dropped_total",
			Help: "Audit events dropped because the queue was full.",
		}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.denialsTotal,
		c.cacheHits,
		c.cacheMisses,
		c.rateLimited,
		c.transformErrors,
		c.auditDropped,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed request.
func (c *Collector) RecordRequest(entryID string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(entryID, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(entryID).Observe(duration.Seconds())
}

// RecordDenial records a denied request by reason code.
func (c *Collector) RecordDenial(reason string) {
	c.denialsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a response served from cache.
func (c *Collector) RecordCacheHit(entryID string) {
	c.cacheHits.WithLabelValues(entryID).Inc()
}

// RecordCacheMiss records a cacheable request that went upstream.
func (c *Collector) RecordCacheMiss(entryID string) {
	c.cacheMisses.WithLabelValues(entryID).Inc()
}

// RecordRateLimited records a rate-limiter denial.
func (c *Collector) RecordRateLimited(limiterID string) {
	c.rateLimited.WithLabelValues(limiterID).Inc()
}

// RecordTransformError records a failed response transform.
func (c *Collector) RecordTransformError() {
	c.transformErrors.Inc()
}

// SetAuditDropped mirrors the audit sink's drop counter.
func (c *Collector) SetAuditDropped(n int64) {
	c.auditDropped.Set(float64(n))
}
