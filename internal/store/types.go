package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// Event is one persisted entry of an execution's event stream.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Progress    float64         `json:"progress"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// EventFilter narrows event queries. Zero values match everything.
type EventFilter struct {
	ExecutionID string
	Since       time.Time
	Limit       int
}

// ExecutionFilter narrows archived execution listings.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.WorkflowStatus
	Since      time.Time
	Limit      int
}

// StepReplay is a step's state reconstructed from the event log.
type StepReplay struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Retries     int               `json:"retries"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// StoredDefinition is a workflow definition registered at runtime.
type StoredDefinition struct {
	ID         string                    `json:"workflow_id"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}
