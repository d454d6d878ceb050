package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[3]", IssueUnreachable, "step is unreachable")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].nextSteps[0]", IssueUnknownNextStep, `unknown step "nope"`)

	err := r.ToError()
	require.Error(t, err)

	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, `steps[0].nextSteps[0]: unknown step "nope"`, fe.Message)
	assert.Equal(t, 1, fe.Details["error_count"])
	assert.True(t, r.HasCode(IssueUnknownNextStep))
	assert.False(t, r.HasCode(IssueNoTermination))
}

func TestValidationResult_MergeAndMultipleErrors(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("", IssueStructure, "err1")

	r2 := &ValidationResult{}
	r2.AddError("steps[1]", IssueNoTermination, "err2")
	r2.AddWarning("steps[2]", IssueUnreachable, "warn")
	r1.Merge(r2)
	r1.Merge(nil)

	err := r1.ToError()
	require.Error(t, err)
	fe := err.(*FlowError)
	assert.Contains(t, fe.Message, "2 errors")
	assert.Contains(t, fe.Message, "steps[1]: err2")
	assert.Equal(t, 1, fe.Details["warning_count"])
}

func TestFlowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeFatalAction, "invoker said %s", "no").WithStep("submit")
	assert.Equal(t, "[FATAL_ACTION_FAILURE] step submit: invoker said no", err.Error())

	plain := NewError(ErrCodeNotFound, "instance missing")
	assert.Equal(t, "[NOT_FOUND] instance missing", plain.Error())
}

func TestFlowError_CodeHelpers(t *testing.T) {
	cause := NewError(ErrCodeStore, "disk full")
	wrapped := NewError(ErrCodeExecution, "checkpoint").WithCause(cause)

	assert.True(t, IsCode(wrapped, ErrCodeExecution))
	assert.False(t, IsCode(nil, ErrCodeExecution))
	assert.Equal(t, ErrCodeExecution, CodeOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	foreign := AsFlowError(assert.AnError, ErrCodeStore)
	assert.Equal(t, ErrCodeStore, foreign.Code)
	assert.Nil(t, AsFlowError(nil, ErrCodeStore))
}
