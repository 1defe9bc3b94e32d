package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bizflow/internal/streaming"
	"github.com/rendis/bizflow/pkg/schema"
)

// NotificationMethod is the MCP method used for execution updates.
const NotificationMethod = "notifications/message"

// terminalEvents end an execution and trigger a notification.
var terminalEvents = []string{
	schema.EventWorkflowCompleted,
	schema.EventWorkflowFailed,
	schema.EventWorkflowPartial,
	schema.EventWorkflowCancelled,
	schema.EventWorkflowTimedOut,
}

// ClientNotifier delivers a notification to one MCP session.
// Satisfied by *server.MCPServer.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// ExecutionNotifier pushes the outcome of async executions to the session
// that launched them.
type ExecutionNotifier struct {
	client   ClientNotifier
	sessions *SessionRegistry
	hub      streaming.EventHub
	logger   *slog.Logger
}

// NewExecutionNotifier creates a notifier over the hub's terminal events.
func NewExecutionNotifier(client ClientNotifier, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *ExecutionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionNotifier{client: client, sessions: sessions, hub: hub, logger: logger}
}

// Start subscribes to the hub. stop unsubscribes and waits for the
// delivery goroutine; it is safe to call more than once.
func (n *ExecutionNotifier) Start(ctx context.Context) (stop func(), err error) {
	events, unsubscribe, err := n.hub.Subscribe(ctx, streaming.EventFilter{Types: terminalEvents})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			n.Notify(ev)
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(unsubscribe)
		<-done
	}
	go func() {
		select {
		case <-ctx.Done():
			once.Do(unsubscribe)
		case <-done:
		}
	}()
	return stop, nil
}

// Notify sends ev to the session watching its execution.
// Best-effort: an execution nobody is watching is ignored.
func (n *ExecutionNotifier) Notify(ev streaming.StreamEvent) {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return
	}
	n.sessions.Forget(ev.ExecutionID)

	payload := map[string]any{
		"level":  "info",
		"logger": "bizflow",
		"data": map[string]any{
			"execution_id": ev.ExecutionID,
			"workflow_id":  ev.WorkflowID,
			"event":        ev.Type,
			"progress":     ev.Progress,
			"details":      ev.Payload,
		},
	}
	err := n.client.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	switch {
	case err == nil:
	case errors.Is(err, server.ErrSessionNotFound):
		// Session closed between launch and completion.
		n.sessions.Remove(sessionID)
	default:
		n.logger.Warn("execution notification failed",
			slog.String("execution_id", ev.ExecutionID), slog.String("error", err.Error()))
	}
}
