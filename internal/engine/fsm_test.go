package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/bizflow/pkg/schema"
)

func TestWorkflowTransitions(t *testing.T) {
	valid := [][2]schema.WorkflowStatus{
		{schema.WorkflowStatusPending, schema.WorkflowStatusInProgress},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCancelled},
		{schema.WorkflowStatusInProgress, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusInProgress, schema.WorkflowStatusPartiallyCompleted},
		{schema.WorkflowStatusInProgress, schema.WorkflowStatusFailed},
		{schema.WorkflowStatusInProgress, schema.WorkflowStatusCancelled},
	}
	for _, tr := range valid {
		assert.NoError(t, checkWorkflowTransition("x", tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]schema.WorkflowStatus{
		{schema.WorkflowStatusPending, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusCompleted, schema.WorkflowStatusInProgress},
		{schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
		{schema.WorkflowStatusPartiallyCompleted, schema.WorkflowStatusCompleted},
	}
	for _, tr := range invalid {
		err := checkWorkflowTransition("x", tr[0], tr[1])
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	for from, allowed := range ValidWorkflowTransitions {
		if from.Terminal() {
			assert.Empty(t, allowed, from)
		}
	}
	for from, allowed := range ValidStepTransitions {
		if from.Terminal() {
			assert.Empty(t, allowed, from)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	assert.NoError(t, checkStepTransition("s", schema.StepStatusPending, schema.StepStatusRunning))
	assert.NoError(t, checkStepTransition("s", schema.StepStatusPending, schema.StepStatusFailed))
	assert.NoError(t, checkStepTransition("s", schema.StepStatusRunning, schema.StepStatusCompleted))

	err := checkStepTransition("s", schema.StepStatusCompleted, schema.StepStatusFailed)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	err = checkStepTransition("s", schema.StepStatusPending, schema.StepStatusCompleted)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, schema.EventWorkflowPartial, workflowEventType(schema.WorkflowStatusPartiallyCompleted))
	assert.Equal(t, schema.EventWorkflowStarted, workflowEventType(schema.WorkflowStatusInProgress))
	assert.Empty(t, workflowEventType(schema.WorkflowStatusPending))
	assert.Equal(t, schema.EventStepStarted, stepEventType(schema.StepStatusRunning))
	assert.Empty(t, stepEventType(schema.StepStatusPending))
}
