package steps

import (
	"context"
	"encoding/json"

	"github.com/bizportal/flowd/pkg/schema"
)

// NotificationExecutor hands a message to the dispatcher and completes
// immediately. With config.delay the message is parked in a notification
// wait and dispatched when it fires; the cursor does not wait for it.
type NotificationExecutor struct {
	deps Deps
}

func (e *NotificationExecutor) Type() schema.StepType { return schema.StepNotification }

func (e *NotificationExecutor) Execute(ctx context.Context, req *Request) Result {
	step := req.Step
	n := &Notification{
		InstanceID: req.Instance.ID,
		StepID:     step.ID,
		Template:   step.ConfigString(schema.ConfigTemplate),
		Channel:    step.ConfigString(schema.ConfigChannel),
		Recipients: step.ConfigStrings(schema.ConfigRecipients),
		Data:       schema.CloneData(req.Instance.Data),
	}
	out := map[string]any{"template": n.Template, "channel": n.Channel}

	if d, ok := step.ConfigDuration(schema.ConfigDelay); ok && d > 0 {
		payload, err := json.Marshal(n)
		if err != nil {
			return Fail(schema.NewError(schema.ErrCodeExecution, "notification payload is not JSON").WithCause(err).WithStep(step.ID), false)
		}
		w, err := e.deps.Waits.Schedule(ctx, &schema.PendingWait{
			InstanceID: req.Instance.ID,
			StepID:     step.ID,
			Kind:       schema.WaitNotification,
			DueAt:      e.deps.Clock.Now().UTC().Add(d),
			Payload:    payload,
		})
		if err != nil {
			return Fail(schema.AsFlowError(err, schema.ErrCodeStore).WithStep(step.ID), true)
		}
		out["deferred_until"] = w.DueAt
		res := Done(nil)
		res.Output = out
		res.Note = "dispatch deferred"
		return res
	}

	if e.deps.Dispatcher != nil {
		e.deps.Dispatcher.Dispatch(ctx, n)
	}
	res := Done(nil)
	res.Output = out
	return res
}

// DecodeNotification restores a deferred notification from its wait payload.
func DecodeNotification(payload []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "notification payload unreadable").WithCause(err)
	}
	return &n, nil
}
