package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// TransitionHook is called after an instance status transition is staged.
type TransitionHook func(inst *schema.WorkflowInstance, from, to schema.InstanceStatus)

type hookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM enforces the instance status table. Transition mutates the
// instance and returns the audit event; the caller commits both together.
type InstanceFSM struct {
	mu    sync.RWMutex
	after map[hookKey][]TransitionHook
	any   []TransitionHook
}

// NewInstanceFSM creates an InstanceFSM.
func NewInstanceFSM() *InstanceFSM {
	return &InstanceFSM{after: make(map[hookKey][]TransitionHook)}
}

// OnAfter registers a hook for one transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := hookKey{from, to}
	f.after[k] = append(f.after[k], hook)
}

// OnAny registers a hook for every transition.
func (f *InstanceFSM) OnAny(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.any = append(f.any, hook)
}

// Transition moves inst to status to. Terminal statuses stamp CompletedAt.
func (f *InstanceFSM) Transition(inst *schema.WorkflowInstance, to schema.InstanceStatus, actor string, now time.Time) (*store.Event, error) {
	from := inst.Status
	if !ValidTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(from), "to": string(to)})
	}

	inst.Status = to
	if to.Terminal() {
		t := now.UTC()
		inst.CompletedAt = &t
		inst.AssignedTo = ""
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if inst.Error != nil && to == schema.InstanceFailed {
		payload["error"] = inst.Error
	}
	raw, _ := json.Marshal(payload)
	ev := &store.Event{
		InstanceID: inst.ID,
		Type:       instanceEventType(from, to),
		Payload:    raw,
		Actor:      actor,
		Timestamp:  now.UTC(),
	}

	f.mu.RLock()
	hooks := append(append([]TransitionHook(nil), f.after[hookKey{from, to}]...), f.any...)
	f.mu.RUnlock()
	for _, h := range hooks {
		h(inst, from, to)
	}
	return ev, nil
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceFailed:
		return schema.EventInstanceFailed
	case schema.InstanceCancelled:
		return schema.EventInstanceCancelled
	case schema.InstancePaused:
		return schema.EventInstancePaused
	case schema.InstanceRunning:
		if from == schema.InstancePaused {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceCreated
	}
	return ""
}

// ValidTransition reports whether the status table allows from -> to.
func ValidTransition(from, to schema.InstanceStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

var validTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	"":                       {schema.InstanceRunning},
	schema.InstanceRunning:   {schema.InstancePaused, schema.InstanceCompleted, schema.InstanceFailed, schema.InstanceCancelled},
	schema.InstancePaused:    {schema.InstanceRunning, schema.InstanceCancelled, schema.InstanceFailed},
	schema.InstanceCompleted: {},
	schema.InstanceFailed:    {},
	schema.InstanceCancelled: {},
}
