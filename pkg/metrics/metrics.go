package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_executions_total",
			Help: "Total number of executions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cordon_execution_duration_seconds",
			Help:    "Execution wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)

	SandboxesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cordon_sandboxes_active",
			Help: "Number of sandboxes currently running",
		},
	)

	SandboxQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cordon_sandbox_queue_depth",
			Help: "Number of executions waiting for a sandbox slot",
		},
	)

	SandboxesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_sandboxes_reclaimed_total",
			Help: "Total number of orphaned sandboxes removed by the startup sweep",
		},
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_proxy_requests_total",
			Help: "Total number of proxied requests by decision",
		},
		[]string{"decision"},
	)

	ProxyUpstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_proxy_upstream_errors_total",
			Help: "Total number of upstream connection failures",
		},
	)

	// Policy cache metrics
	PolicyCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_policy_cache_hits_total",
			Help: "Total number of policy cache hits",
		},
	)

	PolicyCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_policy_cache_misses_total",
			Help: "Total number of policy cache misses",
		},
	)

	PolicyFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cordon_policy_fallbacks_total",
			Help: "Total number of times the default policy was applied after a fetch failure",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cordon_api_requests_total",
			Help: "Total number of API requests by path and status",
		},
		[]string{"path", "status"},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(SandboxesActive)
	prometheus.MustRegister(SandboxQueueDepth)
	prometheus.MustRegister(SandboxesReclaimed)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyUpstreamErrors)
	prometheus.MustRegister(PolicyCacheHits)
	prometheus.MustRegister(PolicyCacheMisses)
	prometheus.MustRegister(PolicyFallbacks)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
