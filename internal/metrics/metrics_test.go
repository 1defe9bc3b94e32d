package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Enabled(t *testing.T) {
	m := NewManager(DefaultConfig())
	require.NotNil(t, m)
	assert.True(t, m.Enabled())
	assert.NotNil(t, m.Registry())
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg)
	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())

	// Record calls on a disabled manager are no-ops.
	m.RecordWorkflow("wf", "completed", time.Second)
	m.RecordToolCall("sendEmail", "success", time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled())
	m.RecordStep("queryDatabase", "completed")
	m.RecordStepRetry("queryDatabase")
	m.RecordToolRetry("queryDatabase", "server_error")
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordWorkflow("quarterly_analysis", "completed", 2*time.Second)
	m.RecordStep("sendEmail", "failed")
	m.RecordStepRetry("sendEmail")
	m.RecordToolCall("sendEmail", "failed", 10*time.Millisecond)
	m.RecordToolRetry("sendEmail", "rate_limited")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"bizflow_workflow_runs_total",
		"bizflow_workflow_duration_seconds",
		"bizflow_step_results_total",
		"bizflow_step_retries_total",
		"bizflow_tool_calls_total",
		"bizflow_tool_retries_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestCounterValues(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.RecordToolRetry("scrapePage", "timeout")
	m.RecordToolRetry("scrapePage", "timeout")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.toolRetries.WithLabelValues("scrapePage", "timeout")))
}
