package store

import (
	"context"

	"github.com/bizportal/flowd/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	DefinitionRepo
	InstanceRepo
	RecordRepo
	WaitRepo
	EventRepo
	TriggerRepo

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DefinitionRepo persists immutable definition versions keyed by (id, version).
type DefinitionRepo interface {
	InsertDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	LatestDefinitionVersion(ctx context.Context, id string) (int, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// InstanceRepo persists instances. Every mutation goes through Commit.
type InstanceRepo interface {
	Commit(ctx context.Context, cp *Checkpoint) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)
}

// RecordRepo reads the append-only step execution trail.
// Records are written only as part of a Commit.
type RecordRepo interface {
	ListStepRecords(ctx context.Context, instanceID, stepID string) ([]*schema.StepExecutionRecord, error)
}

// WaitRepo persists pending waits keyed by (instance, step).
type WaitRepo interface {
	CreateWait(ctx context.Context, w *schema.PendingWait) error
	GetWait(ctx context.Context, instanceID, stepID string) (*schema.PendingWait, error)
	DeleteWait(ctx context.Context, instanceID, stepID string) error
	ListWaits(ctx context.Context, filter WaitFilter) ([]*schema.PendingWait, error)
}

// EventRepo reads the per-instance audit log.
type EventRepo interface {
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// TriggerRepo persists cron trigger registrations.
type TriggerRepo interface {
	UpsertScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error
}
