package engine

import (
	"slices"

	"github.com/rendis/bizflow/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for executions.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {
		schema.WorkflowStatusInProgress,
		schema.WorkflowStatusCancelled,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusInProgress: {
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusPartiallyCompleted,
		schema.WorkflowStatusCancelled,
	},
	schema.WorkflowStatusCompleted:          {},
	schema.WorkflowStatusFailed:             {},
	schema.WorkflowStatusPartiallyCompleted: {},
	schema.WorkflowStatusCancelled:          {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// pending → failed is the cascade path for steps blocked by a failed dependency.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// checkWorkflowTransition returns INVALID_TRANSITION when from → to is not allowed.
func checkWorkflowTransition(executionID string, from, to schema.WorkflowStatus) error {
	if slices.Contains(ValidWorkflowTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// checkStepTransition returns INVALID_TRANSITION when from → to is not allowed.
func checkStepTransition(stepID string, from, to schema.StepStatus) error {
	if slices.Contains(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusInProgress:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusPartiallyCompleted:
		return schema.EventWorkflowPartial
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	default:
		return ""
	}
}
