package engine

import (
	"time"

	"github.com/bizportal/flowd/pkg/schema"
)

// RetryDecision is the outcome of ShouldRetry.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// ShouldRetry decides whether a failed try is attempted again. try is the
// 1-based try within the current visit; a step with RetryCount N runs at
// most N+1 times. The backoff is the step's fixed RetryDelay.
func ShouldRetry(try int, step *schema.WorkflowStep, retryable bool) RetryDecision {
	if !retryable || step == nil || try > step.RetryCount {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: step.RetryDelayDuration()}
}

// finalError builds the instance error for a failure that will not be retried.
func finalError(step *schema.WorkflowStep, err *schema.FlowError, retryable bool, tries int) *schema.FlowError {
	if err == nil {
		err = schema.NewError(schema.ErrCodeFatalAction, "step failed")
	}
	details := map[string]any{"attempts": tries, "last_error_code": err.Code}
	for k, v := range err.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}

	switch {
	case retryable:
		return schema.NewErrorf(schema.ErrCodeRetryExhausted, "retries exhausted after %d attempts: %s", tries, err.Message).
			WithStep(step.ID).WithCause(err).WithDetails(details)
	case err.Code == schema.ErrCodeNoMatchingCond, err.Code == schema.ErrCodeFatalAction:
		return schema.NewError(err.Code, err.Message).WithStep(step.ID).WithCause(err).WithDetails(details)
	default:
		return schema.NewError(schema.ErrCodeFatalAction, err.Message).WithStep(step.ID).WithCause(err).WithDetails(details)
	}
}
