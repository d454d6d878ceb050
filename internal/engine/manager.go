// Package engine runs workflow instances. The Manager owns every instance
// mutation: it claims ready cursors, runs their step executors outside the
// instance lock, and commits each result as one checkpoint together with
// its execution records and audit events.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizportal/flowd/internal/clock"
	"github.com/bizportal/flowd/internal/definitions"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/locks"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/metrics"
	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/timers"
	"github.com/bizportal/flowd/internal/workers"
	"github.com/bizportal/flowd/pkg/schema"
)

// Engine is the instance API used by the HTTP, MCP and trigger surfaces.
type Engine interface {
	// CreateInstance starts a new instance of the latest (or requested)
	// version of a definition and schedules its first step.
	CreateInstance(ctx context.Context, req CreateRequest) (*schema.WorkflowInstance, error)

	// DecideApproval settles a pending approval gate. The first resolution
	// wins; later ones fail with ALREADY_RESOLVED.
	DecideApproval(ctx context.Context, d schema.ApprovalDecision) error

	// Cancel stops an instance and removes its pending waits.
	Cancel(ctx context.Context, instanceID, actor string) error

	// Pause stops cursor advancement. Decisions and timer fires that arrive
	// while paused are stored and applied on Resume.
	Pause(ctx context.Context, instanceID, actor string) error

	// Resume continues a paused instance.
	Resume(ctx context.Context, instanceID, actor string) error

	// Status returns an instance with its execution trail.
	Status(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// List returns instances matching the filter.
	List(ctx context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstance, error)
}

// CreateRequest starts an instance.
type CreateRequest struct {
	DefinitionID string
	// Version pins a specific definition version; zero means latest.
	Version   int
	Payload   map[string]any
	CreatedBy string
	Trigger   schema.TriggerType
}

// InstanceStatus is a snapshot of an instance for querying.
type InstanceStatus struct {
	Instance *schema.WorkflowInstance     `json:"instance"`
	Records  []*schema.StepExecutionRecord `json:"records,omitempty"`
	Waits    []*schema.PendingWait        `json:"waits,omitempty"`
	Steps    []*store.StepHistory         `json:"steps,omitempty"`
	Events   []*store.Event               `json:"events,omitempty"`
}

// DefaultPoolSize is the default number of instances driven concurrently.
const DefaultPoolSize = 10

// ManagerConfig holds tuning for the Manager.
type ManagerConfig struct {
	PoolSize int // max concurrently driven instances
}

// Deps are the Manager's collaborators. Store, Definitions, Steps, Timers
// are required.
type Deps struct {
	Store       store.Store
	Definitions *definitions.Store
	Steps       *steps.Registry
	Timers      *timers.Scheduler
	Locker      locks.Locker
	// Dispatcher delivers notifications whose wait fired.
	Dispatcher steps.Dispatcher
	// Bus receives instance lifecycle events. Optional.
	Bus     events.Publisher
	Metrics *metrics.Recorder
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Manager is the instance manager.
type Manager struct {
	store    store.Store
	defs     *definitions.Store
	steps    *steps.Registry
	timers   *timers.Scheduler
	locker   locks.Locker
	dispatch steps.Dispatcher
	bus      events.Publisher
	metrics  *metrics.Recorder
	eventLog *store.EventLog
	fsm      *InstanceFSM
	pool     *workers.Pool
	clock    clock.Clock
	logger   *slog.Logger

	inbox *inbox
	// early holds timer fires that arrived while their step was still
	// executing; the apply path consumes them.
	early sync.Map

	mu      sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
	pumped  chan struct{}
}

// NewManager wires a Manager and registers it as the timer sink.
func NewManager(d Deps, cfg ManagerConfig) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Locker == nil {
		d.Locker = locks.NewLocal()
	}

	m := &Manager{
		store:    d.Store,
		defs:     d.Definitions,
		steps:    d.Steps,
		timers:   d.Timers,
		locker:   d.Locker,
		dispatch: d.Dispatcher,
		bus:      d.Bus,
		metrics:  d.Metrics,
		eventLog: store.NewEventLog(d.Store),
		fsm:      NewInstanceFSM(),
		pool:     workers.New("instances", cfg.PoolSize, d.Logger),
		clock:    d.Clock,
		logger:   d.Logger,
		inbox:    newInbox(),
		baseCtx:  context.Background(),
	}
	m.fsm.OnAny(func(inst *schema.WorkflowInstance, _, to schema.InstanceStatus) {
		if to.Terminal() {
			m.metrics.InstanceFinished(context.Background(), inst.DefinitionID, string(to))
		}
	})
	d.Timers.SetSink(m.inbox.push)
	return m
}

// Pool exposes the instance worker pool for metrics registration.
func (m *Manager) Pool() *workers.Pool { return m.pool }

// FSM exposes the status machine so callers can register transition hooks.
func (m *Manager) FSM() *InstanceFSM { return m.fsm }

// Start recovers in-flight instances and begins consuming timer fires. The
// timer scheduler itself is started by the caller afterwards.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return schema.NewError(schema.ErrCodeExecution, "manager already started")
	}
	base, stop := context.WithCancel(context.WithoutCancel(ctx))
	m.baseCtx, m.stop = base, stop
	m.pumped = make(chan struct{})
	m.mu.Unlock()

	go m.pump(base, m.pumped)
	return m.Recover(ctx)
}

// Stop ends timer consumption and waits for in-flight drives.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, pumped := m.stop, m.pumped
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		<-pumped
	}
	m.pool.Shutdown()
}

// Idle reports whether no timer fire is queued and no instance is being driven.
func (m *Manager) Idle() bool {
	return m.inbox.empty() && m.pool.Metrics().Active == 0
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}

// CreateInstance implements Engine.
func (m *Manager) CreateInstance(ctx context.Context, req CreateRequest) (*schema.WorkflowInstance, error) {
	if req.DefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	def, err := m.defs.Get(ctx, req.DefinitionID, req.Version)
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %s is inactive", def.Ref())
	}
	first, ok := def.FirstStep()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %s has no steps", def.Ref())
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = schema.TriggerManual
	}

	now := m.clock.Now().UTC()
	data := schema.CloneData(req.Payload)
	if data == nil {
		data = make(map[string]any)
	}
	inst := &schema.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Cursors:           []schema.Cursor{{ID: uuid.NewString(), StepID: first.ID, State: schema.CursorReady}},
		Data:              data,
		CreatedBy:         req.CreatedBy,
		TriggerType:       trigger,
		StartedAt:         now,
	}

	t := m.begin(inst, req.CreatedBy, now)
	if err := t.transition(schema.InstanceRunning); err != nil {
		return nil, err
	}
	if err := m.commitCreate(ctx, t); err != nil {
		return nil, err
	}
	m.metrics.InstanceStarted(ctx, def.ID, string(trigger))
	logging.LogWith(logging.WithInstanceID(ctx, inst.ID), m.logger).InfoContext(ctx, "instance created",
		slog.String("definition", def.Ref().String()),
		slog.String("trigger", string(trigger)))
	m.publish(ctx, inst, events.TypeInstanceStarted)

	m.kick(ctx, inst.ID)
	return inst.Clone(), nil
}

// DecideApproval implements Engine.
func (m *Manager) DecideApproval(ctx context.Context, d schema.ApprovalDecision) error {
	if d.InstanceID == "" || d.StepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id and step id are required")
	}

	lctx, unlock, err := m.locker.Lock(ctx, d.InstanceID)
	if err != nil {
		return err
	}
	inst, def, err := m.load(lctx, d.InstanceID)
	if err != nil {
		unlock()
		return err
	}
	step, ok := def.Step(d.StepID)
	if !ok || step.Type != schema.StepApproval {
		unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no approval step %q in instance %s", d.StepID, d.InstanceID)
	}

	c, waiting := inst.WaitingCursor(d.StepID)
	if !waiting || c.WaitKind != schema.WaitApproval || inst.Status.Terminal() {
		unlock()
		if m.approvalSettled(ctx, inst, d.StepID) {
			return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %s/%s is already resolved", d.InstanceID, d.StepID)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending approval %s/%s", d.InstanceID, d.StepID)
	}
	if c.Resolution != nil {
		unlock()
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %s/%s is already resolved", d.InstanceID, d.StepID)
	}

	now := m.clock.Now().UTC()
	c.Resolution = &schema.Resolution{Approved: d.Approved, By: d.By, Notes: d.Notes, DecidedAt: now}
	if inst.Status == schema.InstanceRunning {
		c.State = schema.CursorReady
	}
	t := m.begin(inst, d.By, now)
	t.event(schema.EventApprovalDecided, d.StepID, map[string]any{
		"approved": d.Approved,
		"notes":    d.Notes,
		"attempt":  c.Attempt,
	})
	t.ack(d.StepID)
	err = m.commit(lctx, t)
	unlock()
	if err != nil {
		return err
	}

	m.metrics.ApprovalDecided(ctx, d.Approved, false)
	logging.LogWith(logging.WithStepID(logging.WithInstanceID(ctx, d.InstanceID), d.StepID), m.logger).
		InfoContext(ctx, "approval decided", slog.Bool("approved", d.Approved), slog.String("by", d.By))
	if inst.Status == schema.InstanceRunning {
		m.kick(ctx, d.InstanceID)
	}
	return nil
}

// approvalSettled reports whether the step already resolved in this instance.
func (m *Manager) approvalSettled(ctx context.Context, inst *schema.WorkflowInstance, stepID string) bool {
	for _, c := range inst.Cursors {
		if c.StepID == stepID && c.Resolution != nil {
			return true
		}
	}
	records, err := m.store.ListStepRecords(ctx, inst.ID, stepID)
	if err != nil {
		return false
	}
	for _, r := range records {
		if r.Outcome != schema.OutcomeFailure {
			return true
		}
	}
	return false
}

// Cancel implements Engine.
func (m *Manager) Cancel(ctx context.Context, instanceID, actor string) error {
	return m.setStatus(ctx, instanceID, actor, schema.InstanceCancelled)
}

// Pause implements Engine.
func (m *Manager) Pause(ctx context.Context, instanceID, actor string) error {
	return m.setStatus(ctx, instanceID, actor, schema.InstancePaused)
}

// Resume implements Engine.
func (m *Manager) Resume(ctx context.Context, instanceID, actor string) error {
	if err := m.setStatus(ctx, instanceID, actor, schema.InstanceRunning); err != nil {
		return err
	}
	m.kick(ctx, instanceID)
	return nil
}

func (m *Manager) setStatus(ctx context.Context, instanceID, actor string, to schema.InstanceStatus) error {
	lctx, unlock, err := m.locker.Lock(ctx, instanceID)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := m.store.GetInstance(lctx, instanceID)
	if err != nil {
		return err
	}
	t := m.begin(inst, actor, m.clock.Now().UTC())
	if err := t.transition(to); err != nil {
		return err
	}
	if to == schema.InstanceRunning {
		// Settle what arrived while paused.
		for k := range inst.Cursors {
			c := &inst.Cursors[k]
			if c.State == schema.CursorWaiting && (c.Fired || c.Resolution != nil) {
				c.State = schema.CursorReady
			}
		}
		if inst.AllDone() {
			if err := t.transition(schema.InstanceCompleted); err != nil {
				return err
			}
		}
	}
	if err := m.commit(lctx, t); err != nil {
		return err
	}
	logging.LogWith(logging.WithActor(logging.WithInstanceID(ctx, instanceID), actor), m.logger).
		InfoContext(ctx, "instance status changed", slog.String("status", string(to)))
	return nil
}

// Status implements Engine.
func (m *Manager) Status(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListStepRecords(ctx, instanceID, "")
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	waits, err := m.store.ListWaits(ctx, store.WaitFilter{InstanceID: instanceID})
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	evs, err := m.eventLog.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	history, err := m.eventLog.ReplayHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{Instance: inst, Records: records, Waits: waits, Steps: history, Events: evs}, nil
}

// List implements Engine.
func (m *Manager) List(ctx context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	return m.store.ListInstances(ctx, filter)
}

// load reads an instance and its pinned definition.
func (m *Manager) load(ctx context.Context, id string) (*schema.WorkflowInstance, *schema.WorkflowDefinition, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	def, err := m.defs.Get(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, nil, err
	}
	return inst, def, nil
}

// kick schedules a drive of the instance on the pool. ctx bounds only the
// wait for a free slot; the drive runs under the manager's context.
func (m *Manager) kick(ctx context.Context, id string) {
	task := func(context.Context) error { return m.drive(m.context(), id) }
	if err := m.pool.Submit(ctx, task); err != nil {
		logging.LogWith(logging.WithInstanceID(ctx, id), m.logger).WarnContext(ctx,
			"instance not scheduled; recovery will resume it", slog.String("error", err.Error()))
	}
}

// spawn drives an instance from inside a pool task without blocking the caller.
func (m *Manager) spawn(ctx context.Context, id string) {
	_ = m.pool.TrySubmit(ctx, func(ctx context.Context) error { return m.drive(ctx, id) })
}

func (m *Manager) publish(ctx context.Context, inst *schema.WorkflowInstance, typ string) {
	if m.bus == nil {
		return
	}
	payload := map[string]any{
		"definition_id":      inst.DefinitionID,
		"definition_version": inst.DefinitionVersion,
		"status":             string(inst.Status),
		"created_by":         inst.CreatedBy,
	}
	if inst.Error != nil {
		payload["error_code"] = inst.Error.Code
	}
	err := m.bus.Publish(ctx, events.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Source:     "flowd",
		InstanceID: inst.ID,
		Payload:    payload,
		Time:       m.clock.Now().UTC(),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "lifecycle event not published",
			slog.String("type", typ), slog.String("error", err.Error()))
	}
}

func lifecycleType(s schema.InstanceStatus) string {
	switch s {
	case schema.InstanceCompleted:
		return events.TypeInstanceCompleted
	case schema.InstanceFailed:
		return events.TypeInstanceFailed
	case schema.InstanceCancelled:
		return events.TypeInstanceCancelled
	}
	return ""
}

// elapsed is measured on the wall clock so metrics stay meaningful under a fake clock.
func elapsed(start time.Time) time.Duration { return time.Since(start) }

var _ Engine = (*Manager)(nil)
