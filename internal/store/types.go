package store

import (
	"encoding/json"
	"time"

	"github.com/bizportal/flowd/pkg/schema"
)

// Checkpoint is one atomic instance transition. Records are written first,
// then the instance row, then audit events, all in a single transaction.
type Checkpoint struct {
	Instance *schema.WorkflowInstance
	// Expected is the checkpoint sequence the caller loaded. The commit fails
	// with CONFLICT if the stored sequence moved on.
	Expected int64
	// Create inserts the instance instead of updating it.
	Create  bool
	Records []*schema.StepExecutionRecord
	Events  []*Event
	// DropWaits deletes every pending wait of the instance with the transition.
	DropWaits bool
}

// Event is an entry in an instance's audit log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// ScheduledTrigger is a cron registration that starts a definition periodically.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	DefinitionID   string          `json:"definition_id"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	ID          string             `json:"id,omitempty"`
	Module      string             `json:"module,omitempty"`
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	// LatestOnly keeps only the highest version of each definition id.
	LatestOnly bool `json:"latest_only,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status       schema.InstanceStatus `json:"status,omitempty"`
	DefinitionID string                `json:"definition_id,omitempty"`
	CreatedBy    string                `json:"created_by,omitempty"`
	Since        *time.Time            `json:"since,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
	Offset       int                   `json:"offset,omitempty"`
}

// WaitFilter specifies criteria for listing pending waits.
type WaitFilter struct {
	InstanceID string          `json:"instance_id,omitempty"`
	Kind       schema.WaitKind `json:"kind,omitempty"`
	DueBefore  *time.Time      `json:"due_before,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// EventFilter specifies criteria for querying events by type.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
