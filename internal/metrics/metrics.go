// Package metrics provides Prometheus instrumentation for the gateway.
// All metric collectors are registered via Init and exposed through the
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BreakerState tracks the current circuit breaker state per backend
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state transitions per backend breaker.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// GuardedCalls counts guarded call outcomes per backend
	// (success, failure, timeout, rejected, cancelled).
	GuardedCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_guarded_calls_total",
			Help: "Total guarded backend calls by outcome",
		},
		[]string{"breaker", "outcome"},
	)

	// CallDuration observes guarded call latency in seconds per backend.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Guarded backend call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"breaker"},
	)

	// FallbacksServed counts failure outcomes replaced by a fallback value.
	FallbacksServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fallbacks_served_total",
			Help: "Total fallback responses served in place of failures",
		},
		[]string{"breaker"},
	)

	// RequestsTotal counts gateway requests by handler, method, and status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"handler", "method", "status"},
	)

	// RequestDuration observes request latency in seconds per handler.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// ActiveConnections tracks the number of in-flight requests.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		BreakerState,
		BreakerTransitions,
		GuardedCalls,
		CallDuration,
		FallbacksServed,
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
