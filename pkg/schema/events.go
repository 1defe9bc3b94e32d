package schema

// Event type constants emitted on the execution event stream.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowPartial   = "workflow_partially_completed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowTimedOut  = "workflow_timed_out"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepCascaded  = "step_cascaded"
)

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusPending            WorkflowStatus = "pending"
	WorkflowStatusInProgress         WorkflowStatus = "in_progress"
	WorkflowStatusCompleted          WorkflowStatus = "completed"
	WorkflowStatusFailed             WorkflowStatus = "failed"
	WorkflowStatusPartiallyCompleted WorkflowStatus = "partially_completed"
	WorkflowStatusCancelled          WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed,
		WorkflowStatusPartiallyCompleted, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within one execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has resolved.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}
