package schema

// Event type constants for the instance audit log.
const (
	EventInstanceCreated   = "instance_created"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstancePaused    = "instance_paused"
	EventInstanceResumed   = "instance_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetrying  = "step_retrying"
	EventStepSuspended = "step_suspended"
	EventStepReplayed  = "step_replayed"
	EventFanOut        = "fan_out"
	EventBranchJoined  = "branch_joined"

	EventApprovalDecided = "approval_decided"
	EventTimerFired      = "timer_fired"
	EventTimerRace       = "timer_race"

	EventConditionWarning = "condition_warning"
	EventDataConflict     = "data_conflict"
	EventResultDiscarded  = "result_discarded"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// CursorState is the position of one execution cursor within its current step.
type CursorState string

const (
	CursorReady     CursorState = "ready"
	CursorExecuting CursorState = "executing"
	CursorWaiting   CursorState = "waiting"
	CursorDone      CursorState = "done"
)

// Outcome of a single step attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)
