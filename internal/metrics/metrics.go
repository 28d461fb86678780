// Package metrics provides Prometheus metrics for the shortener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation classes reported by RecordReconcile.
const (
	ClassRemoved  = "removed"
	ClassRetained = "retained"
	ClassReused   = "reused"
	ClassCreated  = "created"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// OperationsTotal counts shortener operations by outcome (ok or error kind).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortener_operations_total",
			Help: "Total number of shortener operations by result",
		},
		[]string{"operation", "result"},
	)

	// ReconcileLinksTotal counts link rows per reconciliation class.
	ReconcileLinksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortener_reconcile_links_total",
			Help: "Link rows touched by group reconciliation, by class",
		},
		[]string{"class"},
	)

	// IDRetriesTotal counts units of work re-run after an identifier conflict.
	IDRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shortener_id_retries_total",
			Help: "Total number of retries caused by identifier or pool conflicts",
		},
	)

	// CacheHitsTotal counts group view cache hits.
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shortener_group_cache_hits_total",
			Help: "Total number of group view cache hits",
		},
	)

	// CacheMissesTotal counts group view cache misses.
	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shortener_group_cache_misses_total",
			Help: "Total number of group view cache misses",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOperation records the outcome of a shortener operation.
func RecordOperation(operation, result string) {
	OperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordReconcile adds n rows to a reconciliation class.
func RecordReconcile(class string, n int) {
	if n <= 0 {
		return
	}
	ReconcileLinksTotal.WithLabelValues(class).Add(float64(n))
}

// RecordIDRetry records a retried unit of work.
func RecordIDRetry() {
	IDRetriesTotal.Inc()
}

// RecordCacheHit records a cache hit.
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}
