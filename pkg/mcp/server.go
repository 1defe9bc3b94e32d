package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/invoker"
	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/internal/templates"
	"github.com/rendis/bizflow/pkg/schema"
)

// ServerName and ServerVersion identify bizflow to MCP clients.
var (
	ServerName    = "bizflow"
	ServerVersion = "dev"
)

// Templates is the template catalog surface. Satisfied by *templates.Registry.
type Templates interface {
	List() []templates.TemplateInfo
	Get(id string) (*schema.WorkflowDefinition, error)
	Definition(id string) (*engine.Definition, error)
	Register(def schema.WorkflowDefinition) (*engine.Definition, error)
	Launch(ctx context.Context, id string, params map[string]any) (*engine.Execution, error)
	LaunchAsyncAs(ctx context.Context, id, execID string, params map[string]any) (string, error)
}

// Executions answers status queries. Satisfied by *engine.ExecutionStore.
type Executions interface {
	Get(ctx context.Context, id string) (*engine.Execution, error)
	ListActive() []string
	Cancel(id string) bool
}

// ToolCaller performs a direct tool call. Satisfied by *agent.Guard.
type ToolCaller interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error)
}

// Remote reports on the tool server. Satisfied by *invoker.Invoker.
type Remote interface {
	Metrics() invoker.MetricsSnapshot
	HealthCheck(ctx context.Context) *schema.ToolResponse
	ListTools(ctx context.Context) ([]string, error)
}

// DefinitionStore persists runtime definitions. Satisfied by store.Store.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def schema.WorkflowDefinition) error
}

// History reconstructs step state from the event log. Satisfied by *store.EventLog.
type History interface {
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
	ReplayEvents(ctx context.Context, executionID string) (map[string]*store.StepReplay, error)
}

// ServerDeps holds the dependencies for creating a Server. Only Templates
// and Executions are required; tools backed by a nil dependency report
// themselves unavailable.
type ServerDeps struct {
	Templates   Templates
	Executions  Executions
	Tools       ToolCaller
	Remote      Remote
	Definitions DefinitionStore
	History     History
	Permissions agent.PermissionProvider
	Hub         streaming.EventHub
	Logger      *slog.Logger
}

// Server wraps an MCP server with the bizflow tool handlers.
type Server struct {
	templates   Templates
	executions  Executions
	tools       ToolCaller
	remote      Remote
	definitions DefinitionStore
	history     History
	perms       agent.PermissionProvider
	hub         streaming.EventHub
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every bizflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	perms := deps.Permissions
	if perms == nil {
		perms = agent.DefaultPermissions()
	}

	s := &Server{
		templates:   deps.Templates,
		executions:  deps.Executions,
		tools:       deps.Tools,
		remote:      deps.Remote,
		definitions: deps.Definitions,
		history:     deps.History,
		perms:       perms,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("bizflow runs multi-step business workflows over remote MCP tools. "+
			"Use bizflow.templates to discover workflows, bizflow.run to launch one (async=true returns an execution_id), "+
			"bizflow.status and bizflow.active to follow progress, bizflow.cancel to stop a run, "+
			"bizflow.define to register a new workflow, bizflow.call for a single tool call and bizflow.diagram to visualize a workflow."),
	)

	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// Completion of async runs is pushed to the session that started them.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		stop, err := NewExecutionNotifier(s.mcpServer, s.sessions, s.hub, s.logger).Start(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution-to-session map used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: templatesTool(), Handler: s.handleTemplates},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: activeTool(), Handler: s.handleActive},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: callTool(), Handler: s.handleCall},
		{Tool: healthTool(), Handler: s.handleHealth},
		{Tool: metricsTool(), Handler: s.handleMetrics},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func templatesTool() mcp.Tool {
	return mcp.NewTool("bizflow.templates",
		mcp.WithDescription("List workflow templates, or return one template's full definition"),
		mcp.WithString("template_id", mcp.Description("Template to describe (default: list all)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("bizflow.run",
		mcp.WithDescription("Execute a workflow template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to execute")),
		mcp.WithObject("params", mcp.Description("Workflow parameters referenced by the steps")),
		mcp.WithBoolean("async", mcp.Description("Return the execution_id immediately instead of waiting for the result")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bizflow.status",
		mcp.WithDescription("Get workflow execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("include_events", mcp.Description("Include the step history replayed from the event log")),
	)
}

func activeTool() mcp.Tool {
	return mcp.NewTool("bizflow.active",
		mcp.WithDescription("List executions that have not finished"),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bizflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("bizflow.define",
		mcp.WithDescription("Register a new workflow from step definitions"),
		mcp.WithObject("definition", mcp.Required(),
			mcp.Description("Workflow definition: workflow_id, name, description, parallel_execution, timeout_minutes and steps[{step_id, name, tool_name, parameters, depends_on, max_retries}]"),
		),
	)
}

func callTool() mcp.Tool {
	return mcp.NewTool("bizflow.call",
		mcp.WithDescription("Call a single remote tool, subject to user permissions"),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Remote tool to call")),
		mcp.WithObject("arguments", mcp.Description("Tool arguments")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool("bizflow.health",
		mcp.WithDescription("Check the remote tool server and list its tools"),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("bizflow.metrics",
		mcp.WithDescription("Return remote tool call counters"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("bizflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns Mermaid flowchart syntax, ASCII art, or a base64-encoded PNG image"),
		mcp.WithString("template_id", mcp.Description("Template to diagram")),
		mcp.WithString("execution_id", mcp.Description("Execution to diagram, with step status overlay")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
