package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initWorkflowMetrics(cfg Config) {
	m.workflowRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizflow_workflow_runs_total",
			Help: "Finished workflow executions by workflow and final status",
		},
		[]string{"workflow", "status"},
	)
	m.workflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bizflow_workflow_duration_seconds",
			Help:    "Workflow execution wall time in seconds",
			Buckets: cfg.WorkflowDurationBuckets,
		},
		[]string{"workflow", "status"},
	)
	m.stepResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizflow_step_results_total",
			Help: "Resolved steps by tool and outcome",
		},
		[]string{"tool", "status"},
	)
	m.stepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizflow_step_retries_total",
			Help: "Step-level retry attempts by tool",
		},
		[]string{"tool"},
	)

	m.registry.MustRegister(m.workflowRuns, m.workflowDuration, m.stepResults, m.stepRetries)
}

// RecordWorkflow records a finished execution.
func (m *Manager) RecordWorkflow(workflow, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.workflowRuns.WithLabelValues(workflow, status).Inc()
	m.workflowDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
}

// RecordStep records a resolved step.
func (m *Manager) RecordStep(tool, status string) {
	if !m.Enabled() {
		return
	}
	m.stepResults.WithLabelValues(tool, status).Inc()
}

// RecordStepRetry records one step-level retry.
func (m *Manager) RecordStepRetry(tool string) {
	if !m.Enabled() {
		return
	}
	m.stepRetries.WithLabelValues(tool).Inc()
}
