// Package metrics holds the prometheus collectors of the recommendation service.
// Collectors register on the default registry at init; /metrics serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 请求
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_requests_total",
			Help: "Total recommendation requests by scene and outcome",
		},
		[]string{"scene", "outcome"}, // outcome: "ok", "cache_hit", "fallback", "invalid"
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recommend_request_duration_seconds",
			Help:    "Recommendation request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"scene"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recommend_fallbacks_total",
			Help: "Fallback responses served, by fallback type",
		},
		[]string{"type"}, // "circuit_open", "timeout", "default"
	)

	// 召回
	RecallSourceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recall_source_duration_seconds",
			Help:    "Latency of individual recall sources",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	RecallSourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_source_errors_total",
			Help: "Recall source failures including timeouts and panics",
		},
		[]string{"source"},
	)

	// 缓存
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	// 熔断器
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// 异步任务
	FeedbackDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedback_dropped_total",
			Help: "Feedback events dropped because the buffer was full",
		},
	)

	HealthCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "health_check_status",
			Help: "Health check status (1=healthy, 0=unhealthy)",
		},
		[]string{"check"},
	)
)

// ObserveCache 适配 cache.Cache.OnLookup
func ObserveCache(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}
