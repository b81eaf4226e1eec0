// Package metrics provides Prometheus instrumentation for the gateway's
// policy pipeline. All metric collectors are registered on init via the
// Init function and exposed through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total requests by matched path pattern, method,
	// and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_requests_total",
			Help: "Total requests processed by the policy pipeline",
		},
		[]string{"pattern", "method", "status"},
	)

	// RequestDuration observes end-to-end pipeline latency in seconds by
	// matched path pattern and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "premier_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "premier_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// ThrottleRejections counts rate limit rejections by matched path
	// pattern and algorithm.
	ThrottleRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_throttle_rejections_total",
			Help: "Total requests rejected by the throttler",
		},
		[]string{"pattern", "algorithm"},
	)

	// AuthFailures counts authentication/authorization failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_auth_failures_total",
			Help: "Total authentication and authorization failures",
		},
		[]string{"reason"},
	)

	// UpstreamErrors counts backend error responses by matched path
	// pattern, backend, and status.
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_upstream_errors_total",
			Help: "Total upstream error responses (5xx)",
		},
		[]string{"pattern", "backend", "status"},
	)

	// RetryTotal counts retry attempts by matched path pattern and backend.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"pattern", "backend"},
	)

	// CacheHits and CacheMisses count cache lookups by matched path pattern.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"pattern"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"pattern"},
	)

	// CircuitBreakerState tracks the current breaker state (0=closed,
	// 1=open, 2=half-open) per backend.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premier_circuit_breaker_state",
			Help: "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// CircuitBreakerStateChanges counts breaker transitions by backend and
	// from/to state.
	CircuitBreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"backend", "from", "to"},
	)

	// BulkheadInFlight tracks concurrent in-flight requests per backend
	// admitted past the bulkhead.
	BulkheadInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "premier_bulkhead_in_flight",
			Help: "Current in-flight requests admitted past the bulkhead, per backend",
		},
		[]string{"backend"},
	)

	// BulkheadRejections counts requests rejected for exceeding a
	// backend's concurrency limit.
	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_bulkhead_rejections_total",
			Help: "Total requests rejected by the bulkhead concurrency limit",
		},
		[]string{"backend"},
	)

	// NoHealthyBackend counts requests failed because a load balancer
	// group had no healthy backend.
	NoHealthyBackend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_no_healthy_backend_total",
			Help: "Total requests failed for lack of a healthy backend",
		},
		[]string{"pattern"},
	)

	// EventsDropped counts telemetry events dropped because an observer's
	// queue was full, by observer name.
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "premier_events_dropped_total",
			Help: "Total telemetry events dropped due to a full observer queue",
		},
		[]string{"observer"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		ThrottleRejections,
		AuthFailures,
		UpstreamErrors,
		RetryTotal,
		CacheHits,
		CacheMisses,
		CircuitBreakerState,
		CircuitBreakerStateChanges,
		BulkheadInFlight,
		BulkheadRejections,
		NoHealthyBackend,
		EventsDropped,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
