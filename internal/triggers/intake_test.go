package triggers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/fixtures"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/scheduler"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

var _ scheduler.Runner = (*Intake)(nil)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []engine.CreateRequest
	err  error
}

func (f *fakeStarter) CreateInstance(_ context.Context, req engine.CreateRequest) (*schema.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &schema.WorkflowInstance{ID: req.DefinitionID + "-inst", DefinitionID: req.DefinitionID}, nil
}

func (f *fakeStarter) requests() []engine.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.CreateRequest(nil), f.reqs...)
}

type fakeCatalog []*schema.WorkflowDefinition

func (c fakeCatalog) ActiveByTrigger(_ context.Context, typ schema.TriggerType) ([]*schema.WorkflowDefinition, error) {
	var out []*schema.WorkflowDefinition
	for _, d := range c {
		if d.Active && d.Trigger.Type == typ {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeSchedules struct {
	synced []*schema.WorkflowDefinition
}

func (f *fakeSchedules) Sync(_ context.Context, defs []*schema.WorkflowDefinition) error {
	f.synced = defs
	return nil
}

func triggered(id string, typ schema.TriggerType, cfg map[string]any) *schema.WorkflowDefinition {
	def := fixtures.Linear(id, fixtures.Action("work", "hr.work"))
	def.Version = 2
	def.Trigger = schema.Trigger{Type: typ, Config: cfg}
	return def
}

func newIntake(t *testing.T, defs ...*schema.WorkflowDefinition) (*Intake, *fakeStarter) {
	t.Helper()
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	starter := &fakeStarter{}
	return NewIntake(starter, fakeCatalog(defs), events.NewMemoryBus(0), jsv, logging.Discard()), starter
}

func TestManual(t *testing.T) {
	in, starter := newIntake(t)
	inst, err := in.Manual(context.Background(), "leaveApproval", 0, map[string]any{"days": 3}, "ana")
	require.NoError(t, err)
	assert.Equal(t, "leaveApproval-inst", inst.ID)

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, schema.TriggerManual, reqs[0].Trigger)
	assert.Equal(t, "ana", reqs[0].CreatedBy)
	assert.Equal(t, 3, reqs[0].Payload["days"])
}

func TestHandleEvent_MatchesTypeAndFilter(t *testing.T) {
	onboarding := triggered("onboarding", schema.TriggerAutomatic, map[string]any{
		schema.TriggerKeyEvent:  "employee.hired",
		schema.TriggerKeyFilter: `country == "ES" && event.source == "hris"`,
	})
	other := triggered("offboarding", schema.TriggerAutomatic, map[string]any{schema.TriggerKeyEvent: "employee.left"})
	in, starter := newIntake(t, onboarding, other)
	ctx := context.Background()

	started, err := in.HandleEvent(ctx, events.Event{Type: "employee.hired", Source: "hris", Payload: map[string]any{"country": "ES"}})
	require.NoError(t, err)
	require.Len(t, started, 1)

	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "onboarding", reqs[0].DefinitionID)
	assert.Equal(t, 2, reqs[0].Version, "pinned to the version that matched")
	assert.Equal(t, schema.TriggerAutomatic, reqs[0].Trigger)
	assert.Equal(t, "hris", reqs[0].CreatedBy)
	assert.NotContains(t, reqs[0].Payload, "event", "envelope is only visible to the filter")

	started, err = in.HandleEvent(ctx, events.Event{Type: "employee.hired", Source: "hris", Payload: map[string]any{"country": "FR"}})
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestHandleEvent_BrokenFilterSkipsDefinition(t *testing.T) {
	broken := triggered("broken", schema.TriggerAutomatic, map[string]any{
		schema.TriggerKeyEvent:  "employee.hired",
		schema.TriggerKeyFilter: `country + 1`,
	})
	ok := triggered("ok", schema.TriggerAutomatic, map[string]any{schema.TriggerKeyEvent: "employee.hired"})
	in, starter := newIntake(t, broken, ok)

	started, err := in.HandleEvent(context.Background(), events.Event{Type: "employee.hired", Payload: map[string]any{"country": "ES"}})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "ok", starter.requests()[0].DefinitionID)
	assert.Equal(t, ActorBus, starter.requests()[0].CreatedBy)
}

func TestHandleEvent_StartErrorsJoined(t *testing.T) {
	def := triggered("onboarding", schema.TriggerAutomatic, map[string]any{schema.TriggerKeyEvent: "employee.hired"})
	in, starter := newIntake(t, def)
	starter.err = schema.NewError(schema.ErrCodeStore, "disk full")

	_, err := in.HandleEvent(context.Background(), events.Event{Type: "employee.hired"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestWebhook(t *testing.T) {
	hook := triggered("expenseClaim", schema.TriggerWebhook, map[string]any{
		schema.TriggerKeyPath:   "expenses",
		schema.TriggerKeyFilter: "amount > 0",
		schema.TriggerKeySchema: map[string]any{
			"type":     "object",
			"required": []any{"amount"},
			"properties": map[string]any{
				"amount": map[string]any{"type": "number"},
			},
		},
	})
	in, starter := newIntake(t, hook)
	ctx := context.Background()

	started, err := in.Webhook(ctx, "expenses", map[string]any{"amount": 120.5})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, schema.TriggerWebhook, starter.requests()[0].Trigger)
	assert.Equal(t, ActorWebhook, starter.requests()[0].CreatedBy)

	t.Run("filtered out", func(t *testing.T) {
		started, err := in.Webhook(ctx, "expenses", map[string]any{"amount": 0})
		require.NoError(t, err)
		assert.Empty(t, started)
	})
	t.Run("schema violation", func(t *testing.T) {
		_, err := in.Webhook(ctx, "expenses", map[string]any{"amount": "lots"})
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})
	t.Run("unknown hook", func(t *testing.T) {
		_, err := in.Webhook(ctx, "payroll", map[string]any{})
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestRunScheduled(t *testing.T) {
	in, starter := newIntake(t)
	trig := &store.ScheduledTrigger{ID: "cron:dailyReport", DefinitionID: "dailyReport"}

	require.NoError(t, in.RunScheduled(context.Background(), trig, map[string]any{"scheduledAt": "2026-06-01T09:00:00Z"}))
	reqs := starter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, schema.TriggerScheduled, reqs[0].Trigger)
	assert.Equal(t, ActorScheduler, reqs[0].CreatedBy)

	starter.err = errors.New("boom")
	assert.Error(t, in.RunScheduled(context.Background(), trig, nil))
}

func TestSyncSchedules(t *testing.T) {
	cron := triggered("dailyReport", schema.TriggerScheduled, map[string]any{schema.TriggerKeyCron: "0 9 * * *"})
	in, _ := newIntake(t, cron, fixtures.LeaveApproval())
	require.NoError(t, in.SyncSchedules(context.Background()), "no scheduler attached")

	sched := &fakeSchedules{}
	in.SetSchedules(sched)
	require.NoError(t, in.SyncSchedules(context.Background()))
	require.Len(t, sched.synced, 1)
	assert.Equal(t, "dailyReport", sched.synced[0].ID)
}

func TestStart_ConsumesBus(t *testing.T) {
	def := triggered("onboarding", schema.TriggerAutomatic, map[string]any{schema.TriggerKeyEvent: "employee.hired"})
	in, starter := newIntake(t, def)
	ctx := context.Background()

	require.NoError(t, in.Start(ctx))
	assert.Error(t, in.Start(ctx))

	require.NoError(t, in.bus.Publish(ctx, events.Event{Type: "employee.hired", Payload: map[string]any{"name": "Lu"}}))
	require.Eventually(t, func() bool { return len(starter.requests()) == 1 }, time.Second, time.Millisecond)

	in.Stop()
	in.Stop()
	assert.Equal(t, 0, in.bus.(*events.MemoryBus).Subscribers())
}
