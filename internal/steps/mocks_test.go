package steps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/pkg/schema"
)

var now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type mockInvoker struct {
	mu    sync.Mutex
	calls []*ActionRequest
	fn    func(req *ActionRequest) (any, error)
}

func (m *mockInvoker) Invoke(_ context.Context, req *ActionRequest) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return m.fn(req)
}

type mockWaits struct {
	waits map[string]*schema.PendingWait
	err   error
}

func (m *mockWaits) Schedule(_ context.Context, w *schema.PendingWait) (*schema.PendingWait, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.waits == nil {
		m.waits = map[string]*schema.PendingWait{}
	}
	k := w.InstanceID + "/" + w.StepID
	if existing, ok := m.waits[k]; ok {
		return existing, nil
	}
	m.waits[k] = w
	return w, nil
}

type mockRecords struct {
	records []*schema.StepExecutionRecord
}

func (m *mockRecords) ListStepRecords(_ context.Context, _, stepID string) ([]*schema.StepExecutionRecord, error) {
	var out []*schema.StepExecutionRecord
	for _, r := range m.records {
		if r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockDispatcher struct {
	sent []*Notification
}

func (m *mockDispatcher) Dispatch(_ context.Context, n *Notification) {
	m.sent = append(m.sent, n)
}

type fixture struct {
	reg        *Registry
	invoker    *mockInvoker
	waits      *mockWaits
	records    *mockRecords
	dispatcher *mockDispatcher
	clock      *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		invoker:    &mockInvoker{},
		waits:      &mockWaits{},
		records:    &mockRecords{},
		dispatcher: &mockDispatcher{},
		clock:      clock.NewFake(now),
	}
	reg, err := NewRegistry(Deps{
		Invoker:    f.invoker,
		Dispatcher: f.dispatcher,
		Waits:      f.waits,
		Records:    f.records,
		Clock:      f.clock,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	f.reg = reg
	return f
}

func request(step schema.WorkflowStep, data map[string]any) *Request {
	return &Request{
		Instance: &schema.WorkflowInstance{ID: "inst-1", DefinitionID: "def", DefinitionVersion: 1, Data: data, CreatedBy: "ana"},
		Step:     &step,
		Cursor:   schema.Cursor{ID: "c1", StepID: step.ID, State: schema.CursorExecuting, Entry: 1, Attempt: 1},
	}
}
