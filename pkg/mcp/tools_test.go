package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/invoker"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/templates"
	"github.com/rendis/bizflow/pkg/schema"
)

// --- Mocks ---

// stubTools succeeds for every tool except those listed in failing.
type stubTools struct {
	mu      sync.Mutex
	failing map[string]string
	block   chan struct{}
	calls   []string
	args    []map[string]any
}

func (s *stubTools) Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, tool)
	s.args = append(s.args, args)
	block := s.block
	msg, fail := s.failing[tool]
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return &schema.ToolResponse{Success: false, Error: msg, ToolName: tool, Status: schema.ToolStatusFailed}, nil
	}
	return &schema.ToolResponse{Success: true, Data: map[string]any{"tool": tool}, ToolName: tool, Status: schema.ToolStatusSuccess}, nil
}

func (s *stubTools) lastArgs() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.args) == 0 {
		return nil
	}
	return s.args[len(s.args)-1]
}

func (s *stubTools) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type mockRemote struct {
	healthy bool
	tools   []string
	listErr error
}

func (m *mockRemote) Metrics() invoker.MetricsSnapshot {
	return invoker.MetricsSnapshot{TotalRequests: 7, SuccessfulRequests: 6, FailedRequests: 1, AvgResponseTimeMs: 12.5}
}

func (m *mockRemote) HealthCheck(_ context.Context) *schema.ToolResponse {
	if !m.healthy {
		return &schema.ToolResponse{Success: false, Error: "health check failed: connection refused", ToolName: "health", Status: schema.ToolStatusServerError}
	}
	return &schema.ToolResponse{Success: true, Data: map[string]any{"status": "ok"}, ToolName: "health", Status: schema.ToolStatusSuccess}
}

func (m *mockRemote) ListTools(_ context.Context) ([]string, error) {
	return m.tools, m.listErr
}

type mockDefinitions struct {
	mu    sync.Mutex
	saved []schema.WorkflowDefinition
	err   error
}

func (m *mockDefinitions) SaveDefinition(_ context.Context, def schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, def)
	return nil
}

type mockHistory struct {
	replay map[string]*store.StepReplay
	err    error
}

func (m *mockHistory) GetEvents(_ context.Context, _ string, _ int64) ([]*store.Event, error) {
	return nil, m.err
}

func (m *mockHistory) ReplayEvents(_ context.Context, _ string) (map[string]*store.StepReplay, error) {
	return m.replay, m.err
}

// --- Helpers ---

type testEnv struct {
	server *Server
	engine *engine.Engine
	tools  *stubTools
}

func newTestEnv(t *testing.T, tools *stubTools, deps ServerDeps) *testEnv {
	t.Helper()
	if tools == nil {
		tools = &stubTools{}
	}
	eng := engine.New(engine.Options{Invoker: tools, StepBackoffBase: time.Millisecond})
	reg, err := templates.NewRegistry(eng, nil)
	require.NoError(t, err)

	deps.Templates = reg
	deps.Executions = eng.Store()
	if deps.Tools == nil {
		deps.Tools = agent.NewGuardFromPermissions(tools, agent.DefaultPermissions(), nil)
	}
	return &testEnv{server: NewServer(deps), engine: eng, tools: tools}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// errorCode extracts the FlowError code from an error result.
func errorCode(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	var body struct {
		Error schema.FlowError `json:"error"`
	}
	unmarshalResult(t, result, &body)
	return body.Error.Code
}

func denyAll() agent.StaticPermissions {
	return agent.StaticPermissions{UserID: "readonly"}
}

// --- Tests ---

func TestTemplatesTool_List(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})

	result, err := env.server.handleTemplates(context.Background(), buildRequest("bizflow.templates", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Templates []templates.TemplateInfo `json:"templates"`
	}
	unmarshalResult(t, result, &body)
	require.Len(t, body.Templates, 2)
	assert.Equal(t, "competitive_research", body.Templates[0].ID)
	assert.Equal(t, "quarterly_analysis", body.Templates[1].ID)
}

func TestTemplatesTool_Get(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})

	result, err := env.server.handleTemplates(context.Background(),
		buildRequest("bizflow.templates", map[string]any{"template_id": "quarterly_analysis"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var def schema.WorkflowDefinition
	unmarshalResult(t, result, &def)
	assert.Equal(t, "quarterly_analysis", def.ID)
	assert.Len(t, def.Steps, 4)

	result, err = env.server.handleTemplates(context.Background(),
		buildRequest("bizflow.templates", map[string]any{"template_id": "nope"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))
}

func TestRunTool_Sync(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})

	result, err := env.server.handleRun(context.Background(), buildRequest("bizflow.run", map[string]any{
		"template_id": "quarterly_analysis",
		"params":      map[string]any{"quarter": "Q3"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var exec engine.Execution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, schema.WorkflowStatusCompleted, exec.Status)
	assert.Equal(t, "quarterly_analysis", exec.WorkflowID)
	assert.InDelta(t, 100.0, exec.Progress, 0.001)
	assert.Len(t, exec.CompletedSteps, 4)
}

func TestRunTool_PartialResultIsNotAToolError(t *testing.T) {
	tools := &stubTools{failing: map[string]string{"sendEmail": "smtp down"}}
	env := newTestEnv(t, tools, ServerDeps{})

	result, err := env.server.handleRun(context.Background(),
		buildRequest("bizflow.run", map[string]any{"template_id": "quarterly_analysis"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var exec engine.Execution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, schema.WorkflowStatusPartiallyCompleted, exec.Status)
	assert.Equal(t, []string{"email_report"}, exec.FailedSteps)
	assert.Contains(t, exec.Errors["email_report"], "smtp down")
}

func TestRunTool_Async(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})

	result, err := env.server.handleRun(context.Background(), buildRequest("bizflow.run", map[string]any{
		"template_id": "competitive_research",
		"async":       true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, result, &body)
	require.NotEmpty(t, body.ExecutionID)

	require.Eventually(t, func() bool {
		exec, err := env.engine.Store().Get(context.Background(), body.ExecutionID)
		return err == nil && exec.Status == schema.WorkflowStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

// testSession is a connected MCP client session.
type testSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (s *testSession) Initialize() {}
func (s *testSession) Initialized() bool { return true }
func (s *testSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.ch }
func (s *testSession) SessionID() string { return s.id }

// notifyingPublisher hands engine events straight to a notifier, so a
// terminal event is delivered while the run is still being launched.
type notifyingPublisher struct {
	mu       sync.Mutex
	notifier *ExecutionNotifier
}

func (p *notifyingPublisher) Publish(_ context.Context, ev streaming.StreamEvent) error {
	p.mu.Lock()
	n := p.notifier
	p.mu.Unlock()
	if n != nil && slices.Contains(terminalEvents, ev.Type) {
		n.Notify(ev)
	}
	return nil
}

func TestRunTool_AsyncNotifiesRunThatEndsAtOnce(t *testing.T) {
	tools := &stubTools{failing: map[string]string{"listTables": "db offline"}}
	pub := &notifyingPublisher{}
	eng := engine.New(engine.Options{Invoker: tools, Events: pub, StepBackoffBase: time.Millisecond})
	reg, err := templates.NewRegistry(eng, nil)
	require.NoError(t, err)
	_, err = reg.Register(schema.WorkflowDefinition{
		ID:    "ping_once",
		Name:  "Ping Once",
		Steps: []schema.StepDefinition{{ID: "ping", Name: "Ping", Tool: "listTables"}},
	})
	require.NoError(t, err)

	srv := NewServer(ServerDeps{Templates: reg, Executions: eng.Store()})
	client := &recordingClient{}
	pub.mu.Lock()
	pub.notifier = NewExecutionNotifier(client, srv.Sessions(), streaming.NewMemoryHub(1), nil)
	pub.mu.Unlock()

	ctx := srv.MCPServer().WithContext(context.Background(),
		&testSession{id: "session-1", ch: make(chan mcp.JSONRPCNotification, 4)})
	result, err := srv.handleRun(ctx, buildRequest("bizflow.run", map[string]any{
		"template_id": "ping_once",
		"async":       true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, result, &body)

	require.Eventually(t, func() bool { return len(client.notifications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	sent := client.notifications()[0]
	assert.Equal(t, "session-1", sent.sessionID)
	data := sent.params["data"].(map[string]any)
	assert.Equal(t, body.ExecutionID, data["execution_id"])
	assert.Equal(t, schema.EventWorkflowFailed, data["event"])
	assert.Equal(t, 0, srv.Sessions().Len())
}

func TestRunTool_AsyncLaunchFailureForgetsSession(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := env.server.MCPServer().WithContext(context.Background(),
		&testSession{id: "session-1", ch: make(chan mcp.JSONRPCNotification, 1)})

	result, err := env.server.handleRun(ctx, buildRequest("bizflow.run", map[string]any{
		"template_id": "missing",
		"async":       true,
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))
	assert.Equal(t, 0, env.server.Sessions().Len())
}

func TestRunTool_Errors(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleRun(ctx, buildRequest("bizflow.run", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "template_id is required", extractText(t, result))

	result, err = env.server.handleRun(ctx, buildRequest("bizflow.run", map[string]any{"template_id": "missing"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))

	result, err = env.server.handleRun(ctx, buildRequest("bizflow.run", map[string]any{
		"template_id": "quarterly_analysis",
		"params":      map[string]any{"quarter": "spring"},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, result))
	assert.Zero(t, env.tools.callCount())
}

func TestRunTool_PermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{Permissions: denyAll()})

	result, err := env.server.handleRun(context.Background(),
		buildRequest("bizflow.run", map[string]any{"template_id": "quarterly_analysis"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodePermissionDenied, errorCode(t, result))
	assert.Zero(t, env.tools.callCount())
}

func TestStatusTool(t *testing.T) {
	history := &mockHistory{replay: map[string]*store.StepReplay{
		"fetch_sales_data": {StepID: "fetch_sales_data", Status: schema.StepStatusCompleted},
	}}
	env := newTestEnv(t, nil, ServerDeps{History: history})
	ctx := context.Background()

	exec, err := env.server.templates.Launch(ctx, "quarterly_analysis", nil)
	require.NoError(t, err)

	result, err := env.server.handleStatus(ctx, buildRequest("bizflow.status", map[string]any{"execution_id": exec.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var got engine.Execution
	unmarshalResult(t, result, &got)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)

	result, err = env.server.handleStatus(ctx, buildRequest("bizflow.status", map[string]any{
		"execution_id":   exec.ID,
		"include_events": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var withHistory struct {
		Execution engine.Execution              `json:"execution"`
		History   map[string]*store.StepReplay `json:"history"`
	}
	unmarshalResult(t, result, &withHistory)
	assert.Equal(t, exec.ID, withHistory.Execution.ID)
	assert.Equal(t, schema.StepStatusCompleted, withHistory.History["fetch_sales_data"].Status)
}

func TestStatusTool_Errors(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleStatus(ctx, buildRequest("bizflow.status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleStatus(ctx, buildRequest("bizflow.status", map[string]any{"execution_id": "ghost"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))
}

func TestActiveAndCancelTools(t *testing.T) {
	tools := &stubTools{block: make(chan struct{})}
	env := newTestEnv(t, tools, ServerDeps{})
	ctx := context.Background()

	execID, err := env.server.templates.LaunchAsyncAs(ctx, "quarterly_analysis", "exec-active", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tools.callCount() == 1 }, time.Second, 5*time.Millisecond)

	result, err := env.server.handleActive(ctx, buildRequest("bizflow.active", nil))
	require.NoError(t, err)
	var active struct {
		Active []string `json:"active"`
	}
	unmarshalResult(t, result, &active)
	assert.Equal(t, []string{execID}, active.Active)

	result, err = env.server.handleCancel(ctx, buildRequest("bizflow.cancel", map[string]any{"execution_id": execID}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	close(tools.block)

	require.Eventually(t, func() bool {
		exec, err := env.engine.Store().Get(ctx, execID)
		return err == nil && exec.Status == schema.WorkflowStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tools.callCount(), "no step starts after cancel")

	result, err = env.server.handleCancel(ctx, buildRequest("bizflow.cancel", map[string]any{"execution_id": execID}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))
}

func TestDefineTool(t *testing.T) {
	defs := &mockDefinitions{}
	env := newTestEnv(t, nil, ServerDeps{Definitions: defs})
	ctx := context.Background()

	definition := map[string]any{
		"workflow_id": "weekly_digest",
		"name":        "Weekly Digest",
		"steps": []any{
			map[string]any{"step_id": "fetch", "name": "Fetch", "tool_name": "queryDatabase",
				"parameters": map[string]any{"sql": "SELECT 1"}},
			map[string]any{"step_id": "think", "name": "Think", "tool_name": "startThinking", "depends_on": []any{"fetch"}},
			map[string]any{"step_id": "mail", "name": "Mail", "tool_name": "sendEmail", "depends_on": []any{"fetch"}},
		},
	}
	result, err := env.server.handleDefine(ctx, buildRequest("bizflow.define", map[string]any{"definition": definition}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var body struct {
		WorkflowID string     `json:"workflow_id"`
		Steps      []string   `json:"steps"`
		Levels     [][]string `json:"levels"`
		Persisted  bool       `json:"persisted"`
	}
	unmarshalResult(t, result, &body)
	assert.Equal(t, "weekly_digest", body.WorkflowID)
	assert.Equal(t, []string{"fetch", "think", "mail"}, body.Steps)
	assert.Len(t, body.Levels, 2)
	assert.True(t, body.Persisted)
	require.Len(t, defs.saved, 1)
	assert.Equal(t, "agent", defs.saved[0].CreatedBy)

	// The new workflow is immediately runnable.
	result, err = env.server.handleRun(ctx, buildRequest("bizflow.run", map[string]any{"template_id": "weekly_digest"}))
	require.NoError(t, err)
	var exec engine.Execution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, schema.WorkflowStatusCompleted, exec.Status)

	// Same id again is a conflict.
	result, err = env.server.handleDefine(ctx, buildRequest("bizflow.define", map[string]any{"definition": definition}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, result))
}

func TestDefineTool_Invalid(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleDefine(ctx, buildRequest("bizflow.define", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	cyclic := map[string]any{
		"workflow_id": "loop",
		"name":        "Loop",
		"steps": []any{
			map[string]any{"step_id": "a", "name": "A", "tool_name": "t", "depends_on": []any{"c"}},
			map[string]any{"step_id": "b", "name": "B", "tool_name": "t", "depends_on": []any{"a"}},
			map[string]any{"step_id": "c", "name": "C", "tool_name": "t", "depends_on": []any{"b"}},
		},
	}
	result, err = env.server.handleDefine(ctx, buildRequest("bizflow.define", map[string]any{"definition": cyclic}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, errorCode(t, result))
}

func TestDefineTool_PersistFailureStillRegisters(t *testing.T) {
	defs := &mockDefinitions{err: errors.New("disk full")}
	env := newTestEnv(t, nil, ServerDeps{Definitions: defs})

	definition := map[string]any{
		"workflow_id": "solo",
		"name":        "Solo",
		"steps":       []any{map[string]any{"step_id": "s", "name": "S", "tool_name": "listTables"}},
	}
	result, err := env.server.handleDefine(context.Background(), buildRequest("bizflow.define", map[string]any{"definition": definition}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Persisted bool `json:"persisted"`
	}
	unmarshalResult(t, result, &body)
	assert.False(t, body.Persisted)

	_, lookupErr := env.server.templates.Definition("solo")
	assert.NoError(t, lookupErr)
}

func TestCallTool(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleCall(ctx, buildRequest("bizflow.call", map[string]any{
		"tool_name": "queryDatabase",
		"arguments": map[string]any{"sql": "SELECT * FROM sales"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, "SELECT * FROM sales LIMIT 1000", env.tools.lastArgs()["sql"])

	var resp schema.ToolResponse
	unmarshalResult(t, result, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "queryDatabase", resp.ToolName)
}

func TestCallTool_Denied(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	// Database writes are off by default.
	result, err := env.server.handleCall(ctx, buildRequest("bizflow.call", map[string]any{
		"tool_name": "executeDatabase",
		"arguments": map[string]any{"sql": "DELETE FROM sales", "confirm": true},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodePermissionDenied, errorCode(t, result))

	result, err = env.server.handleCall(ctx, buildRequest("bizflow.call", map[string]any{
		"tool_name": "sendEmail",
		"arguments": map[string]any{"to": "ceo@company.com", "subject": "hi", "body": "x"},
	}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, result), "sendEmail needs confirm=true")
	assert.Zero(t, env.tools.callCount())
}

func TestCallTool_FailedResponse(t *testing.T) {
	tools := &stubTools{failing: map[string]string{"scrapePage": "404"}}
	env := newTestEnv(t, tools, ServerDeps{})

	result, err := env.server.handleCall(context.Background(), buildRequest("bizflow.call", map[string]any{
		"tool_name": "scrapePage",
		"arguments": map[string]any{"url": "https://example.com"},
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var resp schema.ToolResponse
	unmarshalResult(t, result, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, "404", resp.Error)
}

func TestHealthTool(t *testing.T) {
	remote := &mockRemote{healthy: true, tools: []string{"queryDatabase", "sendEmail"}}
	env := newTestEnv(t, nil, ServerDeps{Remote: remote})

	result, err := env.server.handleHealth(context.Background(), buildRequest("bizflow.health", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Health schema.ToolResponse `json:"health"`
		Tools  []string            `json:"tools"`
	}
	unmarshalResult(t, result, &body)
	assert.True(t, body.Health.Success)
	assert.Equal(t, []string{"queryDatabase", "sendEmail"}, body.Tools)
}

func TestHealthTool_Unhealthy(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{Remote: &mockRemote{}})

	result, err := env.server.handleHealth(context.Background(), buildRequest("bizflow.health", nil))
	require.NoError(t, err)

	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.NotContains(t, body, "tools")
	assert.Equal(t, false, body["health"].(map[string]any)["success"])
}

func TestMetricsTool(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{Remote: &mockRemote{}})

	result, err := env.server.handleMetrics(context.Background(), buildRequest("bizflow.metrics", nil))
	require.NoError(t, err)

	var snap invoker.MetricsSnapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, int64(7), snap.TotalRequests)
	assert.InDelta(t, 12.5, snap.AvgResponseTimeMs, 0.001)
}

func TestUnconfiguredDependencies(t *testing.T) {
	s := NewServer(ServerDeps{})
	ctx := context.Background()

	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"health":    s.handleHealth,
		"metrics":   s.handleMetrics,
		"active":    s.handleActive,
		"templates": s.handleTemplates,
	} {
		result, err := handler(ctx, buildRequest("bizflow."+name, nil))
		require.NoError(t, err, name)
		assert.True(t, result.IsError, name)
		assert.Contains(t, extractText(t, result), "not configured", name)
	}
}

func TestDiagramTool(t *testing.T) {
	tools := &stubTools{failing: map[string]string{"sendEmail": "smtp down"}}
	env := newTestEnv(t, tools, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleDiagram(ctx, buildRequest("bizflow.diagram", map[string]any{"template_id": "quarterly_analysis"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	mermaid := extractText(t, result)
	assert.Contains(t, mermaid, "graph TD")
	assert.Contains(t, mermaid, "fetch_sales_data")

	exec, err := env.server.templates.Launch(ctx, "quarterly_analysis", nil)
	require.NoError(t, err)

	result, err = env.server.handleDiagram(ctx, buildRequest("bizflow.diagram", map[string]any{
		"execution_id": exec.ID,
		"format":       "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	ascii := extractText(t, result)
	assert.Contains(t, ascii, "email_report")
	assert.Contains(t, ascii, "smtp down")
}

func TestDiagramTool_Errors(t *testing.T) {
	env := newTestEnv(t, nil, ServerDeps{})
	ctx := context.Background()

	result, err := env.server.handleDiagram(ctx, buildRequest("bizflow.diagram", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleDiagram(ctx, buildRequest("bizflow.diagram", map[string]any{
		"template_id": "quarterly_analysis",
		"format":      "svg",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleDiagram(ctx, buildRequest("bizflow.diagram", map[string]any{"execution_id": "ghost"}))
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, result))
}

func TestErrorResult_PlainError(t *testing.T) {
	result, err := errorResult(errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "boom", extractText(t, result))
}
