package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].tool_name", ErrCodeValidation, "tool name is empty")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].tool_name", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
}

func TestValidationResult_ToError_Single(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[1].max_retries", ErrCodeValidation, "must not be negative")

	err := r.ToError()
	require.Error(t, err)
	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, "steps[1].max_retries")
	assert.Equal(t, 1, fe.Details["error_count"])
}

func TestValidationResult_ToError_Multiple(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].step_id", ErrCodeValidation, "empty")
	r.AddError("steps[2].tool_name", ErrCodeValidation, "empty")

	err := r.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
}

func TestIsCode_FollowsCauseChain(t *testing.T) {
	inner := NewError(ErrCodeAuth, "bad token")
	outer := NewError(ErrCodeStepFailed, "step failed").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeStepFailed))
	assert.True(t, IsCode(outer, ErrCodeAuth))
	assert.False(t, IsCode(outer, ErrCodeTimeout))
	assert.False(t, IsCode(nil, ErrCodeAuth))
	assert.Equal(t, ErrCodeStepFailed, CodeOf(outer))
}

func TestFlowError_Format(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] template x", NewError(ErrCodeNotFound, "template x").Error())
	assert.Equal(t, "[STEP_FAILED] step s1: boom",
		NewError(ErrCodeStepFailed, "boom").WithStep("s1").Error())
}
