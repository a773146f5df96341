// Package metrics provides Prometheus instrumentation for the routing
// pipeline. All metric collectors are registered via Init and exposed through
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts logical requests by rule, method, and final status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total logical requests completed",
		},
		[]string{"rule", "method", "status"},
	)

	// RequestDuration observes logical request latency in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Logical request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule", "method"},
	)

	// InFlight tracks requests currently inside the pipeline.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Number of requests currently being processed",
		},
	)

	// DispatchAttempts counts outbound dispatch attempts by rule, including
	// retries. A logical request contributes one per attempt.
	DispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_attempts_total",
			Help: "Total outbound dispatch attempts",
		},
		[]string{"rule"},
	)

	// RetryTotal counts retry decisions by rule.
	RetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Total retry attempts",
		},
		[]string{"rule"},
	)

	// UpstreamFailures counts classified dispatch failures by rule and kind.
	UpstreamFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_failures_total",
			Help: "Total classified upstream dispatch failures",
		},
		[]string{"rule", "kind"},
	)

	// BreakerState reports the current breaker state per protected path
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per path (0=closed, 1=open, 2=half-open)",
		},
		[]string{"path"},
	)

	// BreakerTransitions counts breaker state changes per protected path.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"path", "from", "to"},
	)

	// IsolationInFlight tracks attempts inside each path's isolated pool.
	IsolationInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_isolation_inflight",
			Help: "Attempts currently running in the isolated pool per path",
		},
		[]string{"path"},
	)

	// IsolationRejections counts admissions refused because the isolated
	// pool was full.
	IsolationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_isolation_rejections_total",
			Help: "Total attempts rejected by a full isolated pool",
		},
		[]string{"path"},
	)

	// FallbacksServed counts fallback responses written on breaker trips,
	// by path and trip reason.
	FallbacksServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fallbacks_total",
			Help: "Total fallback responses served on breaker trips",
		},
		[]string{"path", "reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		InFlight,
		DispatchAttempts,
		RetryTotal,
		UpstreamFailures,
		BreakerState,
		BreakerTransitions,
		IsolationInFlight,
		IsolationRejections,
		FallbacksServed,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
