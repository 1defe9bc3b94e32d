package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initToolMetrics(cfg Config) {
	m.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizflow_tool_calls_total",
			Help: "Logical remote tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)
	m.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bizflow_tool_call_duration_seconds",
			Help:    "Remote tool invocation latency including retries",
			Buckets: cfg.ToolDurationBuckets,
		},
		[]string{"tool"},
	)
	m.toolRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizflow_tool_retries_total",
			Help: "Invoker retries by tool and failure class",
		},
		[]string{"tool", "class"},
	)

	m.registry.MustRegister(m.toolCalls, m.toolDuration, m.toolRetries)
}

// RecordToolCall records a finished invocation.
func (m *Manager) RecordToolCall(tool, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolRetry records one invoker retry.
func (m *Manager) RecordToolRetry(tool, class string) {
	if !m.Enabled() {
		return
	}
	m.toolRetries.WithLabelValues(tool, class).Inc()
}
