package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while an execution runs.
type StreamEvent struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type"`
	Progress    float64        `json:"progress"`
	Payload     map[string]any `json:"payload,omitempty"`
	Time        time.Time      `json:"time"`
}

// EventFilter selects which events a subscriber receives. Zero value matches all.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
