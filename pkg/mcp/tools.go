package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/agent"
	"github.com/rendis/bizflow/internal/diagram"
	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

// handleTemplates lists templates or describes one.
func (s *Server) handleTemplates(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.templates == nil {
		return unavailable("templates")
	}
	id := req.GetString("template_id", "")
	if id == "" {
		return marshalResult(map[string]any{"templates": s.templates.List()})
	}
	def, err := s.templates.Get(id)
	if err != nil {
		return errorResult(err)
	}
	return marshalResult(def)
}

// handleRun launches a template, waiting for the record unless async is set.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	if s.templates == nil {
		return unavailable("templates")
	}
	if err := agent.Check(s.perms, agent.CanExecuteWorkflows); err != nil {
		return errorResult(err)
	}
	params := mcp.ParseStringMap(req, "params", nil)

	if req.GetBool("async", false) {
		// The session is captured before launching so a run that ends at
		// once still finds it.
		execID := uuid.NewString()
		s.captureSession(ctx, execID)
		if _, launchErr := s.templates.LaunchAsyncAs(ctx, templateID, execID, params); launchErr != nil {
			s.sessions.Forget(execID)
			return errorResult(launchErr)
		}
		return marshalResult(map[string]any{
			"execution_id": execID,
			"template_id":  templateID,
			"status":       schema.WorkflowStatusInProgress,
		})
	}

	exec, runErr := s.templates.Launch(ctx, templateID, params)
	if exec == nil {
		return errorResult(runErr)
	}
	if runErr != nil {
		// TIMEOUT and CANCELLED still produce a record worth returning.
		logging.LogWith(logging.WithExecutionID(ctx, exec.ID), s.logger).
			Warn("workflow ended with error", slog.String("error", runErr.Error()))
	}
	return marshalResult(exec)
}

// handleStatus returns an execution record, live or archived.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.executions == nil {
		return unavailable("executions")
	}

	exec, getErr := s.executions.Get(ctx, execID)
	if getErr != nil {
		return errorResult(getErr)
	}
	if !req.GetBool("include_events", false) || s.history == nil {
		return marshalResult(exec)
	}

	replay, replayErr := s.history.ReplayEvents(ctx, execID)
	if replayErr != nil {
		return errorResult(replayErr)
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"history":   replay,
	})
}

func (s *Server) handleActive(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.executions == nil {
		return unavailable("executions")
	}
	return marshalResult(map[string]any{"active": s.executions.ListActive()})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.executions == nil {
		return unavailable("executions")
	}
	if !s.executions.Cancel(execID) {
		return errorResult(schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not running", execID))
	}
	logging.LogWith(logging.WithExecutionID(ctx, execID), s.logger).Info("execution cancelled by agent")
	return marshalResult(map[string]any{
		"execution_id": execID,
		"cancelled":    true,
	})
}

// handleDefine validates and registers a workflow, persisting it when a
// definition store is configured.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	if s.templates == nil {
		return unavailable("templates")
	}
	if err := agent.Check(s.perms, agent.CanExecuteWorkflows); err != nil {
		return errorResult(err)
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	registered, regErr := s.templates.Register(def)
	if regErr != nil {
		return errorResult(regErr)
	}

	persisted := false
	if s.definitions != nil {
		if saveErr := s.definitions.SaveDefinition(ctx, registered.Schema()); saveErr != nil {
			s.logger.Warn("failed to persist workflow definition",
				slog.String("workflow_id", registered.ID()), slog.String("error", saveErr.Error()))
		} else {
			persisted = true
		}
	}

	return marshalResult(map[string]any{
		"workflow_id": registered.ID(),
		"name":        registered.Name(),
		"steps":       registered.StepIDs(),
		"levels":      registered.Graph().Levels,
		"persisted":   persisted,
	})
}

// handleCall forwards one tool call through the permission guard.
func (s *Server) handleCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tool, err := req.RequireString("tool_name")
	if err != nil {
		return mcp.NewToolResultError("tool_name is required"), nil
	}
	if s.tools == nil {
		return unavailable("tool calls")
	}
	args := mcp.ParseStringMap(req, "arguments", nil)
	if args == nil {
		args = map[string]any{}
	}

	resp, callErr := s.tools.Invoke(ctx, tool, args)
	if resp == nil {
		return errorResult(callErr)
	}
	if callErr != nil || !resp.Success {
		out, _ := json.Marshal(resp)
		return mcp.NewToolResultError(string(out)), nil
	}
	return marshalResult(resp)
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.remote == nil {
		return unavailable("remote tool server")
	}
	health := s.remote.HealthCheck(ctx)
	out := map[string]any{"health": health}
	if health.Success {
		if names, err := s.remote.ListTools(ctx); err == nil {
			out["tools"] = names
		} else {
			out["tools_error"] = err.Error()
		}
	}
	return marshalResult(out)
}

func (s *Server) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.remote == nil {
		return unavailable("remote tool server")
	}
	return marshalResult(s.remote.Metrics())
}

// handleDiagram renders a template, or an execution with its status overlay.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid, ascii, or image"), nil
	}
	templateID := req.GetString("template_id", "")
	execID := req.GetString("execution_id", "")
	if templateID == "" && execID == "" {
		return mcp.NewToolResultError("at least one of template_id or execution_id is required"), nil
	}
	if s.templates == nil {
		return unavailable("templates")
	}

	var exec *engine.Execution
	if execID != "" {
		if s.executions == nil {
			return unavailable("executions")
		}
		got, err := s.executions.Get(ctx, execID)
		if err != nil {
			return errorResult(err)
		}
		exec = got
		if templateID == "" {
			templateID = exec.WorkflowID
		}
	}

	def, err := s.templates.Definition(templateID)
	if err != nil {
		return errorResult(err)
	}
	model := diagram.Build(def, exec)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage("workflow "+def.ID(), base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// --- Internal helpers ---

// captureSession maps the execution to the caller's MCP session so its
// completion can be pushed back.
func (s *Server) captureSession(ctx context.Context, execID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(execID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// errorResult reports err to the agent as a tool error, keeping the
// FlowError code and details machine-readable.
func errorResult(err error) (*mcp.CallToolResult, error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, mErr := json.Marshal(map[string]any{"error": fe})
	if mErr != nil {
		return mcp.NewToolResultError(fe.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

func unavailable(what string) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(what + " not configured"), nil
}
