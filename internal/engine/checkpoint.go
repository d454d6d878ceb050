package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// txn stages one checkpoint: the mutated instance plus the records and
// events that commit with it, and the wait acknowledgements that follow.
type txn struct {
	m        *Manager
	inst     *schema.WorkflowInstance
	expected int64
	from     schema.InstanceStatus
	actor    string
	now      time.Time

	records []*schema.StepExecutionRecord
	events  []*store.Event
	acks    []string
}

func (m *Manager) begin(inst *schema.WorkflowInstance, actor string, now time.Time) *txn {
	return &txn{m: m, inst: inst, expected: inst.Checkpoint, from: inst.Status, actor: actor, now: now}
}

func (t *txn) event(typ, stepID string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	t.events = append(t.events, &store.Event{
		InstanceID: t.inst.ID,
		StepID:     stepID,
		Type:       typ,
		Payload:    raw,
		Actor:      t.actor,
		Timestamp:  t.now,
	})
}

func (t *txn) transition(to schema.InstanceStatus) error {
	ev, err := t.m.fsm.Transition(t.inst, to, t.actor, t.now)
	if err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *txn) record(rec *schema.StepExecutionRecord) {
	rec.InstanceID = t.inst.ID
	t.records = append(t.records, rec)
}

// ack deletes the step's wait once the checkpoint is durable.
func (t *txn) ack(stepID string) {
	t.acks = append(t.acks, stepID)
}

func (t *txn) finished() bool {
	return !t.from.Terminal() && t.inst.Status.Terminal()
}

func (m *Manager) commitCreate(ctx context.Context, t *txn) error {
	t.inst.UpdatedAt = t.now
	return m.store.Commit(ctx, &store.Checkpoint{
		Instance: t.inst,
		Expected: 0,
		Create:   true,
		Records:  t.records,
		Events:   t.events,
	})
}

// commit persists the checkpoint, then acknowledges waits. When the
// instance just failed or was cancelled, its waits are deleted inside the
// same transaction and disarmed after it. Callers hold the instance lock.
func (m *Manager) commit(ctx context.Context, t *txn) error {
	t.inst.UpdatedAt = t.now
	// A completed instance has no blocking waits left; deferred
	// notifications it scheduled still go out.
	drop := t.finished() && t.inst.Status != schema.InstanceCompleted
	err := m.store.Commit(ctx, &store.Checkpoint{
		Instance:  t.inst,
		Expected:  t.expected,
		Records:   t.records,
		Events:    t.events,
		DropWaits: drop,
	})
	if err != nil {
		return err
	}

	log := m.logger.With(slog.String("instance_id", t.inst.ID))
	if drop {
		if n := m.timers.Disarm(t.inst.ID); n > 0 {
			log.DebugContext(ctx, "pending waits disarmed", slog.Int("count", n))
		}
	} else {
		for _, stepID := range t.acks {
			if err := m.timers.Ack(ctx, t.inst.ID, stepID); err != nil {
				log.WarnContext(ctx, "wait ack failed", slog.String("step_id", stepID), slog.String("error", err.Error()))
			}
		}
	}
	if t.finished() {
		log.InfoContext(ctx, "instance finished", slog.String("status", string(t.inst.Status)))
		m.publish(ctx, t.inst, lifecycleType(t.inst.Status))
	}
	return nil
}
