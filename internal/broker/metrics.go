package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the command broker.
type Metrics struct {
	CommandsExecuted prometheus.Counter
	CommandsBlocked  prometheus.Counter
	CommandsTimedOut prometheus.Counter
	CommandsFailed   prometheus.Counter
	CommandDuration  prometheus.Histogram
	OutputTruncated  prometheus.Counter
}

// NewMetrics creates and registers broker metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		CommandsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "commands_executed_total",
			Help:      "Total commands dispatched to the sandbox runtime.",
		}),
		CommandsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "commands_blocked_total",
			Help:      "Total commands rejected by the blocklist before spawn.",
		}),
		CommandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "commands_timed_out_total",
			Help:      "Total commands killed after exceeding their time budget.",
		}),
		CommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "commands_failed_total",
			Help:      "Total commands that failed to run at the runtime level.",
		}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of sandboxed command executions.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		OutputTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fundi",
			Subsystem: "broker",
			Name:      "output_truncated_total",
			Help:      "Total commands whose output hit the capture cap.",
		}),
	}

	reg.MustRegister(
		m.CommandsExecuted,
		m.CommandsBlocked,
		m.CommandsTimedOut,
		m.CommandsFailed,
		m.CommandDuration,
		m.OutputTruncated,
	)

	return m
}
