package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConditionWarning  = "CONDITION_WARNING"
	ErrCodeNoMatchingCond    = "NO_MATCHING_CONDITION"
	ErrCodeRetryableAction   = "RETRYABLE_ACTION_FAILURE"
	ErrCodeFatalAction       = "FATAL_ACTION_FAILURE"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeTimerFireRace     = "TIMER_FIRE_RACE"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeLock              = "LOCK_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type used across the engine.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf returns the FlowError code of err, or "" when err is not a FlowError.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// AsFlowError converts any error into a FlowError, wrapping foreign errors
// with the fallback code.
func AsFlowError(err error, fallback string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallback, err.Error()).WithCause(err)
}
