package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.perms, "nil permissions fall back to the defaults")
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 10)

	expectedTools := []string{
		"bizflow.templates",
		"bizflow.run",
		"bizflow.status",
		"bizflow.active",
		"bizflow.cancel",
		"bizflow.define",
		"bizflow.call",
		"bizflow.health",
		"bizflow.metrics",
		"bizflow.diagram",
	}
	for _, name := range expectedTools {
		tool := s.MCPServer().GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
		required    []string
	}{
		{"run", "bizflow.run", "Execute a workflow template", []string{"template_id"}},
		{"status", "bizflow.status", "Get workflow execution status", []string{"execution_id"}},
		{"cancel", "bizflow.cancel", "Cancel a running execution", []string{"execution_id"}},
		{"define", "bizflow.define", "Register a new workflow from step definitions", []string{"definition"}},
		{"call", "bizflow.call", "Call a single remote tool, subject to user permissions", []string{"tool_name"}},
		{"active", "bizflow.active", "List executions that have not finished", nil},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}
