package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

type fakeEngine struct {
	mu        sync.Mutex
	decisions []schema.ApprovalDecision
	controls  []string
	decideErr error
	filter    store.InstanceFilter
}

func (f *fakeEngine) CreateInstance(context.Context, engine.CreateRequest) (*schema.WorkflowInstance, error) {
	return nil, schema.NewError(schema.ErrCodeExecution, "use triggers")
}

func (f *fakeEngine) DecideApproval(_ context.Context, d schema.ApprovalDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decideErr != nil {
		return f.decideErr
	}
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeEngine) control(op string) func(context.Context, string, string) error {
	return func(_ context.Context, id, actor string) error {
		if id == "missing" {
			return schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", id)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.controls = append(f.controls, op+":"+id+":"+actor)
		return nil
	}
}

func (f *fakeEngine) Cancel(ctx context.Context, id, actor string) error {
	return f.control("cancel")(ctx, id, actor)
}

func (f *fakeEngine) Pause(ctx context.Context, id, actor string) error {
	if id == "done" {
		return schema.NewError(schema.ErrCodeInvalidTransition, "completed -> paused")
	}
	return f.control("pause")(ctx, id, actor)
}

func (f *fakeEngine) Resume(ctx context.Context, id, actor string) error {
	return f.control("resume")(ctx, id, actor)
}

func (f *fakeEngine) Status(_ context.Context, id string) (*engine.InstanceStatus, error) {
	if id == "missing" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %q not found", id)
	}
	return &engine.InstanceStatus{Instance: &schema.WorkflowInstance{
		ID:                id,
		DefinitionID:      "leaveApproval",
		DefinitionVersion: 1,
		Status:            schema.InstanceRunning,
		Cursors:           []schema.Cursor{{ID: "c1", StepID: "submit", State: schema.CursorExecuting}},
	}}, nil
}

func (f *fakeEngine) List(_ context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	f.filter = filter
	return []*schema.WorkflowInstance{{ID: "i-1"}}, nil
}

type fakeTriggers struct {
	manualActor string
	hooks       map[string]map[string]any
	syncs       int
}

func (f *fakeTriggers) Manual(_ context.Context, defID string, _ int, _ map[string]any, actor string) (*schema.WorkflowInstance, error) {
	f.manualActor = actor
	return &schema.WorkflowInstance{ID: "inst-1", DefinitionID: defID, Status: schema.InstanceRunning}, nil
}

func (f *fakeTriggers) Webhook(_ context.Context, path string, payload map[string]any) ([]*schema.WorkflowInstance, error) {
	if path != "expenses" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow listens on webhook %q", path)
	}
	f.hooks[path] = payload
	return []*schema.WorkflowInstance{{ID: "inst-2"}}, nil
}

func (f *fakeTriggers) SyncSchedules(context.Context) error {
	f.syncs++
	return nil
}

type fixture struct {
	srv      *Server
	engine   *fakeEngine
	triggers *fakeTriggers
	bus      *events.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := validation.NewDefinitionValidator(nil, nil)
	require.NoError(t, err)
	f := &fixture{
		engine:   &fakeEngine{},
		triggers: &fakeTriggers{hooks: map[string]map[string]any{}},
		bus:      events.NewMemoryBus(4),
	}
	f.srv = New(Deps{
		Engine:      f.engine,
		Definitions: definitions.NewStore(store.NewMemoryStore(), v, logging.Discard()),
		Triggers:    f.triggers,
		Bus:         f.bus,
		Logger:      logging.Discard(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && strings.HasPrefix(strings.TrimSpace(body), "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

const leaveYAML = `
id: leaveApproval
name: Leave approval
module: hr
active: true
trigger:
  type: manual
steps:
  - id: submit
    type: action
    config:
      action: leave.submit
`

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(schema.ErrCodeValidation))
	assert.Equal(t, http.StatusNotFound, StatusFor(schema.ErrCodeNotFound))
	assert.Equal(t, http.StatusConflict, StatusFor(schema.ErrCodeAlreadyResolved))
	assert.Equal(t, http.StatusConflict, StatusFor(schema.ErrCodeInvalidTransition))
	assert.Equal(t, http.StatusConflict, StatusFor(schema.ErrCodeConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(schema.ErrCodeStore))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestPublishAndGetDefinition(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/definitions", leaveYAML, ActorHeader, "ana")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["ref"].(map[string]any)["version"])
	assert.Equal(t, 1, f.triggers.syncs)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/definitions", leaveYAML)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/definitions/leaveApproval", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["version"])
	assert.NotContains(t, body, "created_by", "v2 was published without an actor")

	rec, body = f.do(t, http.MethodGet, "/api/v1/definitions/leaveApproval?version=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, "ana", body["created_by"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/definitions/leaveApproval/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 2)
}

func TestPublishDefinition_Invalid(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/v1/definitions", `{"id": "x", "bogus": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/definitions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/v1/instances",
		`{"definition_id": "leaveApproval", "payload": {"days": 3}}`, ActorHeader, "ana")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "inst-1", body["id"])
	assert.Equal(t, "ana", f.triggers.manualActor)

	rec, body = f.do(t, http.MethodPost, "/api/v1/instances", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestListInstances(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/api/v1/instances?status=running&definition_id=leaveApproval&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.InstanceRunning, f.engine.filter.Status)
	assert.Equal(t, "leaveApproval", f.engine.filter.DefinitionID)
	assert.Equal(t, 5, f.engine.filter.Limit)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/instances?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstanceControl(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/instances/i-1/pause", `{"actor": "ops"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "i-1", body["id"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/instances/i-1/resume", "", ActorHeader, "ops")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/instances/i-1/cancel", "", ActorHeader, "ops")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pause:i-1:ops", "resume:i-1:ops", "cancel:i-1:ops"}, f.engine.controls)

	rec, body = f.do(t, http.MethodPost, "/api/v1/instances/done/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeInvalidTransition, body["code"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/instances/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecideApproval(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/v1/instances/i-1/approvals/approval",
		`{"approved": true, "notes": "enjoy"}`, ActorHeader, "boss")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.engine.decisions, 1)
	d := f.engine.decisions[0]
	assert.Equal(t, "i-1", d.InstanceID)
	assert.Equal(t, "approval", d.StepID)
	assert.True(t, d.Approved)
	assert.Equal(t, "boss", d.By)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/instances/i-1/approvals/approval", `{"by": "boss"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approved is required")

	f.engine.decideErr = schema.NewError(schema.ErrCodeAlreadyResolved, "approval already resolved")
	rec, body := f.do(t, http.MethodPost, "/api/v1/instances/i-1/approvals/approval", `{"approved": false, "by": "boss"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, schema.ErrCodeAlreadyResolved, body["code"])
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/webhooks/expenses", `{"amount": 12}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"inst-2"}, body["instances"])
	assert.Equal(t, map[string]any{"amount": float64(12)}, f.triggers.hooks["expenses"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/webhooks/payroll", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/webhooks/expenses", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishEvent(t *testing.T) {
	f := newFixture(t)
	ch, cancel, err := f.bus.Subscribe(context.Background(), events.Filter{Types: []string{"employee.hired"}})
	require.NoError(t, err)
	defer cancel()

	rec, _ := f.do(t, http.MethodPost, "/api/v1/events", `{"type": "employee.hired", "payload": {"name": "Lu"}}`, ActorHeader, "hris")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ev := <-ch
	assert.Equal(t, "hris", ev.Source)
	assert.Equal(t, "Lu", ev.Payload["name"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/events", `{"payload": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMCPMount(t *testing.T) {
	var hits []string
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(Deps{MCP: mcp, Logger: logging.Discard()})

	for _, path := range []string{"/mcp", "/mcp/session"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code, path)
	}
	assert.Equal(t, []string{"/mcp", "/mcp/session"}, hits)
}

func TestDiagrams(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/v1/definitions/leaveApproval/diagram", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/definitions", leaveYAML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = f.do(t, http.MethodGet, "/api/v1/definitions/leaveApproval/diagram?version=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graph TD")
	assert.Contains(t, rec.Body.String(), "__start__ --> submit")

	rec, _ = f.do(t, http.MethodGet, "/api/v1/instances/inst-9/diagram", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "class submit running")
}
