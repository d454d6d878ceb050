package steps

import (
	"context"

	"github.com/bizportal/flowd/pkg/schema"
)

// ActionRequest is a call to an external action.
type ActionRequest struct {
	Action    string         `json:"action"`
	System    string         `json:"system,omitempty"`
	Operation string         `json:"operation,omitempty"`
	URL       string         `json:"url,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	// Input is the jq-shaped payload, nil when the step declares no input mapping.
	Input          any    `json:"input,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	InstanceID     string `json:"instance_id"`
	StepID         string `json:"step_id"`
	Attempt        int    `json:"attempt"`
}

// ActionInvoker performs external side effects. Implementations should
// honour IdempotencyKey when the remote system supports it.
//
// Returned errors are classified by Retryable: a FlowError with code
// FATAL_ACTION_FAILURE, VALIDATION_ERROR or ACTION_UNAVAILABLE is final,
// anything else may be retried.
type ActionInvoker interface {
	Invoke(ctx context.Context, req *ActionRequest) (any, error)
}

// Notification is a message handed to the notification dispatcher.
type Notification struct {
	InstanceID string         `json:"instance_id"`
	StepID     string         `json:"step_id"`
	Template   string         `json:"template"`
	Channel    string         `json:"channel,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Dispatcher accepts notifications for asynchronous delivery. Dispatch must
// not block on delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *Notification)
}

// WaitRegistrar arms durable timers. Scheduling a key that already has a
// wait returns the existing wait.
type WaitRegistrar interface {
	Schedule(ctx context.Context, w *schema.PendingWait) (*schema.PendingWait, error)
}

// RecordReader reads step execution records.
type RecordReader interface {
	ListStepRecords(ctx context.Context, instanceID, stepID string) ([]*schema.StepExecutionRecord, error)
}
