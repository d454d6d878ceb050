package steps

import (
	"context"
	"errors"

	"github.com/bizportal/flowd/pkg/schema"
)

var finalCodes = map[string]bool{
	schema.ErrCodeFatalAction:       true,
	schema.ErrCodeValidation:        true,
	schema.ErrCodeActionUnavailable: true,
	schema.ErrCodeCancelled:         true,
	schema.ErrCodeNoMatchingCond:    true,
}

// Retryable classifies an invocation error. Unknown errors are retryable;
// the step's retryCount bounds the attempts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return !finalCodes[fe.Code]
	}
	return true
}

// failure wraps an invocation error as a FlowError carrying an action failure code.
func failure(err error, stepID string) (*schema.FlowError, bool) {
	retryable := Retryable(err)
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		cp := *fe
		return cp.WithStep(stepID), retryable
	}
	code := schema.ErrCodeFatalAction
	if retryable {
		code = schema.ErrCodeRetryableAction
	}
	return schema.NewError(code, err.Error()).WithCause(err).WithStep(stepID), retryable
}
