package engine

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// StepState is the mutable per-execution state of one step.
type StepState struct {
	ID          string            `json:"step_id"`
	Name        string            `json:"name"`
	Tool        string            `json:"tool_name"`
	Status      schema.StepStatus `json:"status"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    []string          `json:"attempt_errors,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	RetryCount  int               `json:"retry_count"`
}

// Execution is the record of one run of a workflow definition.
//
// The goroutine driving the run is the only writer of step state and
// progress. Cancel may flip the status from another goroutine. Readers
// use Snapshot.
type Execution struct {
	mu sync.RWMutex

	ID             string                `json:"execution_id"`
	WorkflowID     string                `json:"workflow_id"`
	WorkflowName   string                `json:"workflow_name,omitempty"`
	Status         schema.WorkflowStatus `json:"status"`
	CurrentStep    string                `json:"current_step,omitempty"`
	CompletedSteps []string              `json:"completed_steps"`
	FailedSteps    []string              `json:"failed_steps"`
	Results        map[string]any        `json:"results"`
	Errors         map[string]string     `json:"errors"`
	Steps          map[string]*StepState `json:"steps"`
	StepOrder      []string              `json:"step_order"`
	Params         map[string]any        `json:"params,omitempty"`
	Error          *schema.FlowError     `json:"error,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Progress       float64               `json:"progress"`
}

func newExecution(id string, def *Definition, params map[string]any) *Execution {
	exec := &Execution{
		ID:             id,
		WorkflowID:     def.ID(),
		WorkflowName:   def.Name(),
		Status:         schema.WorkflowStatusPending,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Results:        make(map[string]any),
		Errors:         make(map[string]string),
		Steps:          make(map[string]*StepState, def.Len()),
		StepOrder:      def.StepIDs(),
		Params:         cloneMap(params),
		StartedAt:      time.Now().UTC(),
	}
	for _, id := range exec.StepOrder {
		step, _ := def.Step(id)
		exec.Steps[id] = &StepState{
			ID:     step.ID,
			Name:   step.Name,
			Tool:   step.Tool,
			Status: schema.StepStatusPending,
		}
	}
	return exec
}

// Snapshot returns a deep copy safe to read and serialize.
func (e *Execution) Snapshot() *Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp := &Execution{
		ID:             e.ID,
		WorkflowID:     e.WorkflowID,
		WorkflowName:   e.WorkflowName,
		Status:         e.Status,
		CurrentStep:    e.CurrentStep,
		CompletedSteps: slices.Clone(e.CompletedSteps),
		FailedSteps:    slices.Clone(e.FailedSteps),
		Results:        cloneMap(e.Results),
		Errors:         maps.Clone(e.Errors),
		Steps:          make(map[string]*StepState, len(e.Steps)),
		StepOrder:      slices.Clone(e.StepOrder),
		Params:         cloneMap(e.Params),
		StartedAt:      e.StartedAt,
		CompletedAt:    cloneTime(e.CompletedAt),
		Progress:       e.Progress,
	}
	if e.Error != nil {
		fe := *e.Error
		fe.Details = cloneMap(e.Error.Details)
		cp.Error = &fe
	}
	for id, s := range e.Steps {
		sc := *s
		sc.Result = cloneValue(s.Result)
		sc.Attempts = slices.Clone(s.Attempts)
		sc.StartedAt = cloneTime(s.StartedAt)
		sc.CompletedAt = cloneTime(s.CompletedAt)
		cp.Steps[id] = &sc
	}
	return cp
}

// CurrentStatus returns the status without copying the record.
func (e *Execution) CurrentStatus() schema.WorkflowStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// transition moves the execution to status to and stamps CompletedAt on terminal states.
func (e *Execution) transition(to schema.WorkflowStatus) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(to)
}

func (e *Execution) transitionLocked(to schema.WorkflowStatus) error {
	if err := checkWorkflowTransition(e.ID, e.Status, to); err != nil {
		return err
	}
	e.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		e.CompletedAt = &now
		e.CurrentStep = ""
	}
	return nil
}

// cancel marks a non-terminal execution cancelled. Returns false if already terminal.
func (e *Execution) cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Status.Terminal() {
		return false
	}
	return e.transitionLocked(schema.WorkflowStatusCancelled) == nil
}

func (e *Execution) isCancelled() bool {
	return e.CurrentStatus() == schema.WorkflowStatusCancelled
}

// startStep moves a pending step to running.
func (e *Execution) startStep(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.Steps[id]
	if err := checkStepTransition(id, st.Status, schema.StepStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = schema.StepStatusRunning
	st.StartedAt = &now
	e.CurrentStep = id
	return nil
}

// completeStep records a successful result.
func (e *Execution) completeStep(res stepResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.Steps[res.stepID]
	if err := checkStepTransition(res.stepID, st.Status, schema.StepStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	st.Status = schema.StepStatusCompleted
	st.Result = res.data
	st.RetryCount = res.retries
	st.Attempts = res.attempts
	st.CompletedAt = &now
	e.CompletedSteps = append(e.CompletedSteps, res.stepID)
	e.Results[res.stepID] = res.data
	e.updateProgressLocked()
	return nil
}

// failStep records a failure. The step may be running or, for a cascade, pending.
func (e *Execution) failStep(res stepResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.Steps[res.stepID]
	if err := checkStepTransition(res.stepID, st.Status, schema.StepStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	msg := "step failed"
	if res.err != nil {
		msg = res.err.Error()
	}
	st.Status = schema.StepStatusFailed
	st.Error = msg
	st.RetryCount = res.retries
	st.Attempts = res.attempts
	st.CompletedAt = &now
	e.FailedSteps = append(e.FailedSteps, res.stepID)
	e.Errors[res.stepID] = msg
	e.updateProgressLocked()
	return nil
}

// setError attaches an execution-level error such as a timeout.
func (e *Execution) setError(fe *schema.FlowError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Error = fe
}

func (e *Execution) progress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Progress
}

func (e *Execution) counts() (completed, failed int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.CompletedSteps), len(e.FailedSteps)
}

// updateProgressLocked recomputes progress and never lets it go down.
func (e *Execution) updateProgressLocked() {
	total := len(e.Steps)
	if total == 0 {
		return
	}
	p := float64(len(e.CompletedSteps)+len(e.FailedSteps)) / float64(total) * 100
	if p > e.Progress {
		e.Progress = p
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the JSON-shaped containers in v. Other values are shared.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
