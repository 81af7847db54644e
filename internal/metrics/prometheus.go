// Package metrics provides Prometheus metrics for the antifraud service
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "antifraud"

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Analysis metrics
var (
	analyzerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_duration_seconds",
			Help:      "Time spent in each signal analyzer",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"analyzer"}, // fingerprint, ip, geolocation, behavior
	)

	analyzerFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_fallbacks_total",
			Help:      "Analyzer results replaced by a neutral fallback",
		},
		[]string{"analyzer", "reason"}, // reason: timeout, error, canceled
	)

	riskScoreHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Final risk score distribution",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"event_type"},
	)

	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Analysis outcomes by tier and action",
		},
		[]string{"tier", "action"},
	)

	geolocationReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geolocation_readings_total",
			Help:      "GPS readings by gate outcome",
		},
		[]string{"outcome"}, // ACCEPTED, OVERRIDDEN, REJECTED
	)
)

// Storage, cache and audit metrics
var (
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	cacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"cache", "outcome"}, // outcome: hit, miss, error
	)

	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit records dropped because the queue was full",
		},
	)

	auditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Audit records waiting to be written",
		},
	)
)

// Middleware returns a Gin middleware that records HTTP metrics
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(serviceName, c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, c.Request.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler serves the Prometheus registry; register it on /metrics
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveAnalyzer records how long an analyzer ran
func ObserveAnalyzer(analyzer string, d time.Duration) {
	analyzerDuration.WithLabelValues(analyzer).Observe(d.Seconds())
}

// RecordFallback records an analyzer whose result was replaced by its fallback
func RecordFallback(analyzer, reason string) {
	analyzerFallbacksTotal.WithLabelValues(analyzer, reason).Inc()
}

// RecordDecision records the final score and the tier/action it produced
func RecordDecision(eventType, tier, action string, score float64) {
	riskScoreHistogram.WithLabelValues(eventType).Observe(score)
	decisionsTotal.WithLabelValues(tier, action).Inc()
}

// RecordReading records the outcome of the GPS reading gate
func RecordReading(outcome string) {
	geolocationReadingsTotal.WithLabelValues(outcome).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation, table string, d time.Duration) {
	dbQueryDuration.WithLabelValues(operation, table).Observe(d.Seconds())
}

// RecordCacheOperation records a cache hit, miss or error
func RecordCacheOperation(cache, outcome string) {
	cacheOperationsTotal.WithLabelValues(cache, outcome).Inc()
}

// RecordAuditDropped counts an audit record lost to a full queue
func RecordAuditDropped() {
	auditDroppedTotal.Inc()
}

// SetAuditQueueDepth reports the number of queued audit records
func SetAuditQueueDepth(n int) {
	auditQueueDepth.Set(float64(n))
}
