package schema

import (
	"encoding/json"
	"time"
)

// Defaults applied when a definition leaves a field unset.
const (
	DefaultMaxRetries      = 3
	DefaultWorkflowTimeout = 30 * time.Minute
	MaxWorkflowTimeout     = 480 * time.Minute
)

// WorkflowDefinition is an immutable named graph of steps.
// Build one with engine.NewDefinition so it is validated exactly once.
type WorkflowDefinition struct {
	ID          string           `json:"workflow_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	Timeout     time.Duration    `json:"-"`
	Parallel    bool             `json:"parallel_execution,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CreatedBy   string           `json:"created_by,omitempty"`
}

// EffectiveTimeout returns Timeout or the default when unset.
func (d *WorkflowDefinition) EffectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultWorkflowTimeout
	}
	return d.Timeout
}

// Step looks up a step by ID.
func (d *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIDs returns step IDs in definition order.
func (d *WorkflowDefinition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// MarshalJSON encodes Timeout as timeout_minutes.
func (d WorkflowDefinition) MarshalJSON() ([]byte, error) {
	type alias WorkflowDefinition
	return json.Marshal(struct {
		alias
		TimeoutMinutes float64 `json:"timeout_minutes,omitempty"`
	}{alias(d), d.Timeout.Minutes()})
}

// UnmarshalJSON decodes timeout_minutes into Timeout.
func (d *WorkflowDefinition) UnmarshalJSON(data []byte) error {
	type alias WorkflowDefinition
	aux := struct {
		*alias
		TimeoutMinutes float64 `json:"timeout_minutes,omitempty"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Timeout = time.Duration(aux.TimeoutMinutes * float64(time.Minute))
	return nil
}

// StepDefinition describes one tool invocation within a workflow.
type StepDefinition struct {
	ID         string         `json:"step_id"`
	Name       string         `json:"name"`
	Tool       string         `json:"tool_name"`
	Args       map[string]Arg `json:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	MaxRetries int            `json:"max_retries"`
}

// UnmarshalJSON applies DefaultMaxRetries when max_retries is absent.
func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	type alias StepDefinition
	aux := struct {
		*alias
		MaxRetries *int `json:"max_retries"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.MaxRetries = DefaultMaxRetries
	if aux.MaxRetries != nil {
		s.MaxRetries = *aux.MaxRetries
	}
	return nil
}
