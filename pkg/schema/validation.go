package schema

import (
	"fmt"
	"strings"
)

// Issue codes reported by the definition validator.
const (
	IssueStructure       = "STRUCTURE"
	IssueDuplicateStep   = "DUPLICATE_STEP"
	IssueUnknownNextStep = "UNKNOWN_NEXT_STEP"
	IssueUndeclaredEdge  = "UNDECLARED_EDGE"
	IssueMissingConfig   = "MISSING_CONFIG"
	IssueBadExpression   = "BAD_EXPRESSION"
	IssueNoTermination   = "NO_TERMINATION"
	IssueUnreachable     = "UNREACHABLE_STEP"
	IssueAmbiguousRoute  = "AMBIGUOUS_ROUTE"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult aggregates all issues from the validation pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// HasCode reports whether any error carries the given issue code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a VALIDATION_ERROR, or nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		parts := make([]string, 0, len(r.Errors))
		for _, e := range r.Errors {
			parts = append(parts, e.String())
		}
		msg = fmt.Sprintf("definition has %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
