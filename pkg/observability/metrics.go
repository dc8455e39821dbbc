// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the sandkasten server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ProvisionBuckets defines histogram buckets suited for sandbox
// provisioning and tool-call latencies, ranging from 100ms to 120s.
var ProvisionBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandkasten_request_duration_seconds",
			Help:    "Request duration",
			Buckets: ProvisionBuckets,
		},
		[]string{"method", "route"},
	)

	// SandboxesActive tracks live sandbox instances per type.
	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandkasten_sandboxes_active",
			Help: "Live sandbox instances",
		},
		[]string{"type"},
	)

	// ProvisionsTotal counts backend provisioning attempts by type and outcome.
	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_provisions_total",
			Help: "Sandbox provisioning attempts",
		},
		[]string{"type", "status"},
	)

	// ProvisionDuration records provisioning latency in seconds per type.
	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandkasten_provision_duration_seconds",
			Help:    "Provisioning latency",
			Buckets: ProvisionBuckets,
		},
		[]string{"type"},
	)

	// ToolCallsTotal counts dispatched tool calls by type, tool, and outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_tool_calls_total",
			Help: "Tool calls",
		},
		[]string{"type", "tool", "status"},
	)

	// ReapedTotal counts sandboxes released by the idle reaper.
	ReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_reaped_total",
			Help: "Sandboxes reaped for idleness",
		},
		[]string{"type"},
	)

	// ArtifactsStoredTotal counts artifacts persisted through the store.
	ArtifactsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_artifacts_stored_total",
			Help: "Persisted artifacts",
		},
		[]string{"status"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandkasten_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		SandboxesActive,
		ProvisionsTotal,
		ProvisionDuration,
		ToolCallsTotal,
		ReapedTotal,
		ArtifactsStoredTotal,
		RateLimitRejectedTotal,
	)
}
