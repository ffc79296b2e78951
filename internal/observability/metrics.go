package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Fundi.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunSteps    prometheus.Histogram
	RunRetries  prometheus.Counter

	// Model metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool dispatch metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Workspace metrics.
	WorkspacesCreated prometheus.Counter
	WorkspacesSwept   prometheus.Counter

	// HTTP status server metrics.
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "run",
			Name:      "completed_total",
			Help:      "Total agent runs by terminal state.",
		}, []string{"state"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of agent runs.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"state"}),

		RunSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "run",
			Name:      "steps",
			Help:      "Steps consumed per run.",
			Buckets:   []float64{1, 5, 10, 20, 30, 50, 75, 100},
		}),

		RunRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "run",
			Name:      "retries_total",
			Help:      "Total retry notices sent after empty model turns.",
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total model API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Model API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total model tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool calls dispatched.",
		}, []string{"kind", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		WorkspacesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "workspace",
			Name:      "created_total",
			Help:      "Total workspaces created.",
		}),

		WorkspacesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "workspace",
			Name:      "swept_total",
			Help:      "Total workspaces removed by the janitor.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests to the status server.",
		}, []string{"method", "path", "status_code"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunSteps,
		m.RunRetries,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.WorkspacesCreated,
		m.WorkspacesSwept,
		m.HTTPRequestsTotal,
	)

	return m
}
