package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/fixtures"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/pkg/schema"
)

// seed stores an instance as a crashed process would have left it.
func (h *harness) seed(inst *schema.WorkflowInstance, records ...*schema.StepExecutionRecord) {
	h.t.Helper()
	if inst.Data == nil {
		inst.Data = map[string]any{}
	}
	inst.StartedAt = h.clock.Now()
	require.NoError(h.t, h.store.Commit(h.ctx, &store.Checkpoint{Instance: inst, Create: true, Records: records}))
}

// restart replaces the manager, running recovery over the same store.
func (h *harness) restart() {
	h.t.Helper()
	h.mgr.Stop()
	h.build()
	h.settle()
}

func TestRecover_ReRunsExecutingCursorWithSameAttempt(t *testing.T) {
	h := newHarness(t)
	h.publish(fixtures.Linear("sync", fixtures.Action("push", "crm.push")))
	h.seed(&schema.WorkflowInstance{
		ID: "crashed", DefinitionID: "sync", DefinitionVersion: 1, Status: schema.InstanceRunning,
		Cursors:  []schema.Cursor{{ID: "c1", StepID: "push", State: schema.CursorExecuting, Entry: 1, Attempt: 1}},
		Attempts: map[string]int{"push": 1},
	})

	h.restart()

	assert.Equal(t, schema.InstanceCompleted, h.instance("crashed").Status)
	calls := h.invoker.callsTo("crm.push")
	require.Len(t, calls, 1)
	assert.Equal(t, "crashed/push/1", calls[0].IdempotencyKey)
}

func TestRecover_ReplaysRecordedSuccess(t *testing.T) {
	h := newHarness(t)
	h.publish(fixtures.Linear("sync", fixtures.Action("push", "crm.push")))
	out, _ := json.Marshal(map[string]any{"crm_id": "x-9"})
	h.seed(&schema.WorkflowInstance{
		ID: "replay", DefinitionID: "sync", DefinitionVersion: 1, Status: schema.InstanceRunning,
		Cursors:  []schema.Cursor{{ID: "c1", StepID: "push", State: schema.CursorExecuting, Entry: 1, Attempt: 2}},
		Attempts: map[string]int{"push": 2},
	}, &schema.StepExecutionRecord{InstanceID: "replay", StepID: "push", Attempt: 1, Outcome: schema.OutcomeSuccess, Output: out})

	h.restart()

	inst := h.instance("replay")
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, "x-9", inst.Data["crm_id"])
	assert.Empty(t, h.invoker.callsTo("crm.push"))
	assert.Contains(t, h.eventTypes("replay"), schema.EventStepReplayed)
	assert.Len(t, h.records("replay", "push"), 1)
}

func TestRecover_RearmsLostWait(t *testing.T) {
	h := newHarness(t)
	h.publish(fixtures.LeaveApproval())
	due := epoch.Add(time.Hour)
	h.seed(&schema.WorkflowInstance{
		ID: "lost", DefinitionID: "leaveApproval", DefinitionVersion: 1, Status: schema.InstanceRunning,
		Cursors: []schema.Cursor{{
			ID: "c1", StepID: "approval", State: schema.CursorWaiting,
			Entry: 1, Attempt: 1, WaitKind: schema.WaitApproval, DueAt: &due,
		}},
		Attempts: map[string]int{"approval": 1},
		Data:     map[string]any{"balance": 5},
	})

	h.restart()

	ws := h.waits("lost")
	require.Len(t, ws, 1)
	assert.Equal(t, due, ws[0].DueAt)
	assert.Equal(t, schema.WaitApproval, ws[0].Kind)

	h.advance(time.Hour)
	inst := h.instance("lost")
	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, true, decision(inst.Data, "approval")[steps.DecisionByTimeout])
}

func TestRecover_AcksStaleWaits(t *testing.T) {
	h := newHarness(t)
	h.publish(fixtures.LeaveApproval())
	due := epoch.Add(time.Hour)
	h.seed(&schema.WorkflowInstance{
		ID: "stale", DefinitionID: "leaveApproval", DefinitionVersion: 1, Status: schema.InstanceRunning,
		Cursors: []schema.Cursor{{
			ID: "c1", StepID: "approval", State: schema.CursorWaiting,
			Entry: 1, Attempt: 1, WaitKind: schema.WaitApproval, DueAt: &due,
		}},
		Attempts: map[string]int{"approval": 1},
	})
	require.NoError(t, h.store.CreateWait(h.ctx, &schema.PendingWait{InstanceID: "stale", StepID: "approval", Kind: schema.WaitApproval, DueAt: due}))
	require.NoError(t, h.store.CreateWait(h.ctx, &schema.PendingWait{InstanceID: "stale", StepID: "submit", Kind: schema.WaitRetry, DueAt: epoch}))

	h.restart()

	ws := h.waits("stale")
	require.Len(t, ws, 1)
	assert.Equal(t, "approval", ws[0].StepID)
	assert.Equal(t, schema.InstanceRunning, h.instance("stale").Status)
}

func TestRecover_SurvivesRestartMidApproval(t *testing.T) {
	h := leaveHarness(t, 5)
	id := h.start("leaveApproval", nil)
	require.Len(t, h.waits(id), 1)

	h.restart()
	require.Len(t, h.timers.Armed(), 1)

	require.NoError(t, h.mgr.DecideApproval(h.ctx, schema.ApprovalDecision{InstanceID: id, StepID: "approval", Approved: true, By: "boss"}))
	h.settle()
	assert.Equal(t, schema.InstanceCompleted, h.instance(id).Status)
	assert.Len(t, h.invoker.callsTo("leave.submit"), 1)
}

func TestRecover_SweepsWaitsOfCancelledInstance(t *testing.T) {
	h := newHarness(t)
	h.publish(fixtures.LeaveApproval())
	h.seed(&schema.WorkflowInstance{
		ID: "gone", DefinitionID: "leaveApproval", DefinitionVersion: 1, Status: schema.InstanceCancelled,
		Cursors: []schema.Cursor{{ID: "c1", StepID: "approval", State: schema.CursorDone}},
	})
	require.NoError(t, h.store.CreateWait(h.ctx, &schema.PendingWait{InstanceID: "gone", StepID: "approval", Kind: schema.WaitApproval, DueAt: epoch.Add(time.Minute)}))
	require.NoError(t, h.store.CreateWait(h.ctx, &schema.PendingWait{InstanceID: "gone", StepID: "submit", Kind: schema.WaitRetry, DueAt: epoch.Add(time.Hour)}))

	h.restart()
	require.Len(t, h.timers.Armed(), 2)

	h.advance(2 * time.Minute)
	assert.Empty(t, h.waits("gone"))
	assert.Empty(t, h.timers.Armed())
	assert.Equal(t, schema.InstanceCancelled, h.instance("gone").Status)
	assert.Empty(t, h.invoker.calls)
}
