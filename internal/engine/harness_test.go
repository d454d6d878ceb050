package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/timers"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type actionFunc func(req *steps.ActionRequest) (any, error)

// fakeInvoker serves actions from a table and records every call.
type fakeInvoker struct {
	mu      sync.Mutex
	actions map[string]actionFunc
	calls   []*steps.ActionRequest
}

func (f *fakeInvoker) on(name string, fn actionFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions[name] = fn
}

func (f *fakeInvoker) Invoke(_ context.Context, req *steps.ActionRequest) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.actions[req.Action]
	f.mu.Unlock()
	if fn == nil {
		return map[string]any{}, nil
	}
	return fn(req)
}

func (f *fakeInvoker) callsTo(name string) []*steps.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*steps.ActionRequest
	for _, c := range f.calls {
		if c.Action == name {
			out = append(out, c)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []*steps.Notification
}

func (f *fakeDispatcher) Dispatch(_ context.Context, n *steps.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *store.MemoryStore
	defs       *definitions.Store
	clock      *clock.Fake
	timers     *timers.Scheduler
	invoker    *fakeInvoker
	dispatcher *fakeDispatcher
	bus        *events.MemoryBus
	mgr        *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		ctx:        context.Background(),
		store:      store.NewMemoryStore(),
		clock:      clock.NewFake(epoch),
		invoker:    &fakeInvoker{actions: map[string]actionFunc{}},
		dispatcher: &fakeDispatcher{},
		bus:        events.NewMemoryBus(0),
	}
	h.build()
	t.Cleanup(func() { h.mgr.Stop() })
	return h
}

// build wires a manager over the harness store, as a process restart would.
func (h *harness) build() {
	h.t.Helper()
	logger := logging.Discard()
	v, err := validation.NewDefinitionValidator(nil, nil)
	require.NoError(h.t, err)
	h.defs = definitions.NewStore(h.store, v, logger)
	h.timers = timers.NewScheduler(h.store, h.clock, logger)
	reg, err := steps.NewRegistry(steps.Deps{
		Invoker:    h.invoker,
		Dispatcher: h.dispatcher,
		Waits:      h.timers,
		Records:    h.store,
		Clock:      h.clock,
		Logger:     logger,
	})
	require.NoError(h.t, err)
	h.mgr = NewManager(Deps{
		Store:       h.store,
		Definitions: h.defs,
		Steps:       reg,
		Timers:      h.timers,
		Dispatcher:  h.dispatcher,
		Bus:         h.bus,
		Clock:       h.clock,
		Logger:      logger,
	}, ManagerConfig{PoolSize: 4})
	require.NoError(h.t, h.mgr.Start(h.ctx))
}

func (h *harness) publish(def *schema.WorkflowDefinition) {
	h.t.Helper()
	_, err := h.defs.Publish(h.ctx, def)
	require.NoError(h.t, err)
}

func (h *harness) start(defID string, payload map[string]any) string {
	h.t.Helper()
	inst, err := h.mgr.CreateInstance(h.ctx, CreateRequest{DefinitionID: defID, Payload: payload, CreatedBy: "ana"})
	require.NoError(h.t, err)
	h.settle()
	return inst.ID
}

// settle waits until no instance is being driven and no timer fire is queued.
func (h *harness) settle() {
	h.t.Helper()
	require.Eventually(h.t, h.mgr.Idle, 2*time.Second, time.Millisecond)
}

// advance moves the clock and fires whatever came due.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.timers.Tick(h.clock.Advance(d))
	h.settle()
}

func (h *harness) instance(id string) *schema.WorkflowInstance {
	h.t.Helper()
	inst, err := h.store.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) records(id, stepID string) []*schema.StepExecutionRecord {
	h.t.Helper()
	recs, err := h.store.ListStepRecords(h.ctx, id, stepID)
	require.NoError(h.t, err)
	return recs
}

func (h *harness) waits(id string) []*schema.PendingWait {
	h.t.Helper()
	ws, err := h.store.ListWaits(h.ctx, store.WaitFilter{InstanceID: id})
	require.NoError(h.t, err)
	return ws
}

func (h *harness) eventTypes(id string) []string {
	h.t.Helper()
	evs, err := h.store.GetEvents(h.ctx, id, 0)
	require.NoError(h.t, err)
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func (h *harness) eventsOf(id, typ string) []map[string]any {
	h.t.Helper()
	evs, err := h.store.GetEvents(h.ctx, id, 0)
	require.NoError(h.t, err)
	var out []map[string]any
	for _, e := range evs {
		if e.Type != typ {
			continue
		}
		p := map[string]any{}
		if len(e.Payload) > 0 {
			require.NoError(h.t, json.Unmarshal(e.Payload, &p))
		}
		out = append(out, p)
	}
	return out
}
