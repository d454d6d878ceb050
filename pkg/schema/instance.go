package schema

import (
	"encoding/json"
	"time"
)

// WorkflowInstance is one execution of a pinned definition version.
type WorkflowInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion int            `json:"definition_version"`
	Status            InstanceStatus `json:"status"`
	Cursors           []Cursor       `json:"cursors"`
	Data              map[string]any `json:"data"`
	Attempts          map[string]int `json:"attempts,omitempty"` // highest attempt number allocated per step
	CreatedBy         string         `json:"created_by,omitempty"`
	TriggerType       TriggerType    `json:"trigger_type,omitempty"`
	AssignedTo        string         `json:"assigned_to,omitempty"`
	Error             *FlowError     `json:"error,omitempty"`
	Checkpoint        int64          `json:"checkpoint"`
	StartedAt         time.Time      `json:"started_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// DefinitionRef returns the pinned definition version.
func (i *WorkflowInstance) DefinitionRef() DefinitionRef {
	return DefinitionRef{ID: i.DefinitionID, Version: i.DefinitionVersion}
}

// CurrentStepID returns the step of the first live cursor, falling back to the
// last cursor's step once every cursor is done.
func (i *WorkflowInstance) CurrentStepID() string {
	for _, c := range i.Cursors {
		if c.State != CursorDone {
			return c.StepID
		}
	}
	if n := len(i.Cursors); n > 0 {
		return i.Cursors[n-1].StepID
	}
	return ""
}

// CurrentStepIDs returns the steps of all live cursors.
func (i *WorkflowInstance) CurrentStepIDs() []string {
	var ids []string
	for _, c := range i.Cursors {
		if c.State != CursorDone {
			ids = append(ids, c.StepID)
		}
	}
	return ids
}

// Cursor returns the cursor with the given id.
func (i *WorkflowInstance) Cursor(id string) (*Cursor, bool) {
	for k := range i.Cursors {
		if i.Cursors[k].ID == id {
			return &i.Cursors[k], true
		}
	}
	return nil, false
}

// WaitingCursor returns the cursor parked on stepID, if any.
func (i *WorkflowInstance) WaitingCursor(stepID string) (*Cursor, bool) {
	for k := range i.Cursors {
		c := &i.Cursors[k]
		if c.StepID == stepID && c.State == CursorWaiting {
			return c, true
		}
	}
	return nil, false
}

// LiveCursorAt returns a cursor other than except that has not finished and
// sits on stepID.
func (i *WorkflowInstance) LiveCursorAt(stepID, except string) (*Cursor, bool) {
	for k := range i.Cursors {
		c := &i.Cursors[k]
		if c.ID != except && c.StepID == stepID && c.State != CursorDone {
			return c, true
		}
	}
	return nil, false
}

// AllDone reports whether every cursor reached a terminal step.
func (i *WorkflowInstance) AllDone() bool {
	for _, c := range i.Cursors {
		if c.State != CursorDone {
			return false
		}
	}
	return true
}

// NextAttempt allocates the next attempt number for a step.
func (i *WorkflowInstance) NextAttempt(stepID string) int {
	if i.Attempts == nil {
		i.Attempts = make(map[string]int)
	}
	i.Attempts[stepID]++
	return i.Attempts[stepID]
}

// Clone returns a deep copy safe to mutate.
func (i *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *i
	cp.Cursors = make([]Cursor, len(i.Cursors))
	for k, c := range i.Cursors {
		cp.Cursors[k] = c.clone()
	}
	cp.Data = CloneData(i.Data)
	if i.Attempts != nil {
		cp.Attempts = make(map[string]int, len(i.Attempts))
		for k, v := range i.Attempts {
			cp.Attempts[k] = v
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.Error != nil {
		e := *i.Error
		cp.Error = &e
	}
	return &cp
}

// Cursor is one independent branch of execution within an instance.
// Unconditioned fan-out creates one cursor per next step.
type Cursor struct {
	ID         string      `json:"id"`
	StepID     string      `json:"step_id"`
	State      CursorState `json:"state"`
	Entry      int         `json:"entry"`   // first attempt number of the current visit
	Attempt    int         `json:"attempt"` // attempt number currently executing
	WaitKind   WaitKind    `json:"wait_kind,omitempty"`
	DueAt      *time.Time  `json:"due_at,omitempty"`
	Fired      bool        `json:"fired,omitempty"` // timer fired while paused
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Try returns the 1-based try number within the current visit.
func (c *Cursor) Try() int {
	return c.Attempt - c.Entry + 1
}

func (c Cursor) clone() Cursor {
	if c.DueAt != nil {
		t := *c.DueAt
		c.DueAt = &t
	}
	if c.Resolution != nil {
		r := *c.Resolution
		c.Resolution = &r
	}
	return c
}

// Resolution is the settled outcome of an approval gate.
type Resolution struct {
	Approved  bool      `json:"approved"`
	By        string    `json:"by,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ByTimeout bool      `json:"by_timeout,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// StepExecutionRecord is the append-only audit entry for one step attempt.
type StepExecutionRecord struct {
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id"`
	Attempt    int             `json:"attempt"`
	Outcome    Outcome         `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Retryable  bool            `json:"retryable,omitempty"`
	Note       string          `json:"note,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// WaitKind enumerates why a pending wait exists.
type WaitKind string

const (
	WaitApproval     WaitKind = "approval"
	WaitDelay        WaitKind = "delay"
	WaitRetry        WaitKind = "retry"
	WaitNotification WaitKind = "notification"
)

// Blocking reports whether a wait of this kind parks its cursor.
func (k WaitKind) Blocking() bool {
	return k != WaitNotification
}

// PendingWait is a durable timer commitment owned by the timer scheduler.
// At most one exists per (instance, step).
type PendingWait struct {
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id"`
	Kind       WaitKind        `json:"kind"`
	DueAt      time.Time       `json:"due_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TimerFired is emitted when a pending wait becomes due.
type TimerFired struct {
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	Kind       WaitKind  `json:"kind"`
	DueAt      time.Time `json:"due_at"`
}

// ApprovalDecision is the external decision on an approval gate.
type ApprovalDecision struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Approved   bool   `json:"approved"`
	By         string `json:"by"`
	Notes      string `json:"notes,omitempty"`
}

// CloneData deep-copies a data bag.
func CloneData(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}
