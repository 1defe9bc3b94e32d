package schema

// ToolStatus is the coarse classification of a remote tool call.
type ToolStatus string

const (
	ToolStatusSuccess     ToolStatus = "success"
	ToolStatusFailed      ToolStatus = "failed"
	ToolStatusTimeout     ToolStatus = "timeout"
	ToolStatusRateLimited ToolStatus = "rate_limited"
	ToolStatusAuthError   ToolStatus = "auth_error"
	ToolStatusServerError ToolStatus = "server_error"
)

// ToolResponse is the outcome of one logical remote tool invocation.
type ToolResponse struct {
	Success    bool       `json:"success"`
	Data       any        `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	ToolName   string     `json:"tool_name"`
	Status     ToolStatus `json:"status"`
	LatencyMs  int64      `json:"latency_ms"`
	RetryCount int        `json:"retry_count"`
}
