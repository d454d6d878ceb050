// Package triggers turns manual requests, bus events, webhook calls and
// cron ticks into new workflow instances.
package triggers

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/bizportal/flowd/internal/engine"
	"github.com/bizportal/flowd/internal/events"
	"github.com/bizportal/flowd/internal/expressions"
	"github.com/bizportal/flowd/internal/logging"
	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

// Actors recorded as CreatedBy for instances nobody started by hand.
const (
	ActorBus       = "event-bus"
	ActorScheduler = "scheduler"
	ActorWebhook   = "webhook"
)

// Starter creates instances.
type Starter interface {
	CreateInstance(ctx context.Context, req engine.CreateRequest) (*schema.WorkflowInstance, error)
}

// Catalog lists active definitions by trigger type.
type Catalog interface {
	ActiveByTrigger(ctx context.Context, typ schema.TriggerType) ([]*schema.WorkflowDefinition, error)
}

// Schedules keeps cron registrations in line with the published definitions.
type Schedules interface {
	Sync(ctx context.Context, defs []*schema.WorkflowDefinition) error
}

// Intake routes every trigger source to the engine.
type Intake struct {
	starter   Starter
	catalog   Catalog
	bus       events.Bus
	filters   *expressions.ExprEngine
	schemas   *validation.JSONSchemaValidator
	logger    *slog.Logger
	schedules Schedules

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewIntake creates an Intake. bus may be nil when automatic triggers are unused.
func NewIntake(starter Starter, catalog Catalog, bus events.Bus, schemas *validation.JSONSchemaValidator, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		starter: starter,
		catalog: catalog,
		bus:     bus,
		filters: expressions.NewExprEngine(),
		schemas: schemas,
		logger:  logger,
	}
}

// SetSchedules attaches the cron scheduler kept in sync by SyncSchedules.
func (in *Intake) SetSchedules(s Schedules) {
	in.schedules = s
}

// Manual starts an instance on behalf of a user.
func (in *Intake) Manual(ctx context.Context, definitionID string, version int, payload map[string]any, actor string) (*schema.WorkflowInstance, error) {
	return in.starter.CreateInstance(logging.WithActor(ctx, actor), engine.CreateRequest{
		DefinitionID: definitionID,
		Version:      version,
		Payload:      payload,
		CreatedBy:    actor,
		Trigger:      schema.TriggerManual,
	})
}

// RunScheduled starts the definition behind a due cron trigger.
func (in *Intake) RunScheduled(ctx context.Context, trig *store.ScheduledTrigger, payload map[string]any) error {
	inst, err := in.starter.CreateInstance(ctx, engine.CreateRequest{
		DefinitionID: trig.DefinitionID,
		Payload:      payload,
		CreatedBy:    ActorScheduler,
		Trigger:      schema.TriggerScheduled,
	})
	if err != nil {
		return err
	}
	in.logger.InfoContext(ctx, "scheduled instance started",
		slog.String("trigger_id", trig.ID), slog.String("instance_id", inst.ID))
	return nil
}

// SyncSchedules re-registers the cron triggers of every active scheduled
// definition. Call it after publishing.
func (in *Intake) SyncSchedules(ctx context.Context) error {
	if in.schedules == nil {
		return nil
	}
	defs, err := in.catalog.ActiveByTrigger(ctx, schema.TriggerScheduled)
	if err != nil {
		return err
	}
	return in.schedules.Sync(ctx, defs)
}

// Webhook starts every active webhook definition listening on path whose
// payload schema and filter accept the payload. It fails with NOT_FOUND when
// nothing listens on path, and with VALIDATION_ERROR when every listener
// rejected the payload schema.
func (in *Intake) Webhook(ctx context.Context, path string, payload map[string]any) ([]*schema.WorkflowInstance, error) {
	defs, err := in.catalog.ActiveByTrigger(ctx, schema.TriggerWebhook)
	if err != nil {
		return nil, err
	}
	var (
		listeners int
		rejected  error
		started   []*schema.WorkflowInstance
	)
	for _, def := range defs {
		if hook, _ := def.Trigger.Config[schema.TriggerKeyPath].(string); hook != path {
			continue
		}
		listeners++
		log := in.logger.With(slog.String("definition", def.Ref().String()), slog.String("hook", path))

		if raw := def.Trigger.Config[schema.TriggerKeySchema]; raw != nil && in.schemas != nil {
			if err := in.schemas.ValidatePayload(payload, raw); err != nil {
				log.InfoContext(ctx, "webhook payload rejected", slog.String("error", err.Error()))
				rejected = err
				continue
			}
		}
		ok, err := in.match(ctx, def, payload, nil)
		if err != nil {
			log.WarnContext(ctx, "webhook filter failed", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		inst, err := in.starter.CreateInstance(ctx, engine.CreateRequest{
			DefinitionID: def.ID,
			Version:      def.Version,
			Payload:      payload,
			CreatedBy:    ActorWebhook,
			Trigger:      schema.TriggerWebhook,
		})
		if err != nil {
			return started, err
		}
		started = append(started, inst)
	}

	switch {
	case listeners == 0:
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no workflow listens on webhook %q", path)
	case len(started) == 0 && rejected != nil:
		return nil, rejected
	}
	return started, nil
}

// HandleEvent starts every active automatic definition subscribed to the
// event's type whose filter accepts it.
func (in *Intake) HandleEvent(ctx context.Context, ev events.Event) ([]*schema.WorkflowInstance, error) {
	defs, err := in.catalog.ActiveByTrigger(ctx, schema.TriggerAutomatic)
	if err != nil {
		return nil, err
	}
	meta := map[string]any{"id": ev.ID, "type": ev.Type, "source": ev.Source, "instance_id": ev.InstanceID}

	var (
		started []*schema.WorkflowInstance
		errs    []error
	)
	for _, def := range defs {
		if typ, _ := def.Trigger.Config[schema.TriggerKeyEvent].(string); typ != ev.Type {
			continue
		}
		ok, err := in.match(ctx, def, ev.Payload, meta)
		if err != nil {
			in.logger.WarnContext(ctx, "event filter failed",
				slog.String("definition", def.Ref().String()), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		payload := maps.Clone(ev.Payload)
		if payload == nil {
			payload = map[string]any{}
		}
		inst, err := in.starter.CreateInstance(ctx, engine.CreateRequest{
			DefinitionID: def.ID,
			Version:      def.Version,
			Payload:      payload,
			CreatedBy:    actorFor(ev),
			Trigger:      schema.TriggerAutomatic,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		started = append(started, inst)
	}
	return started, errors.Join(errs...)
}

// match evaluates the definition's filter against the payload. The event
// envelope, when present, is exposed as "event".
func (in *Intake) match(ctx context.Context, def *schema.WorkflowDefinition, payload, envelope map[string]any) (bool, error) {
	filter, _ := def.Trigger.Config[schema.TriggerKeyFilter].(string)
	if filter == "" {
		return true, nil
	}
	env := make(map[string]any, len(payload)+1)
	maps.Copy(env, payload)
	if envelope != nil {
		env["event"] = envelope
	}
	return in.filters.Match(ctx, filter, env)
}

func actorFor(ev events.Event) string {
	if ev.Source != "" {
		return ev.Source
	}
	return ActorBus
}

// Start subscribes to the bus and feeds every event to HandleEvent.
func (in *Intake) Start(ctx context.Context) error {
	if in.bus == nil {
		return nil
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done != nil {
		return schema.NewError(schema.ErrCodeExecution, "trigger intake already started")
	}
	ch, cancel, err := in.bus.Subscribe(ctx, events.Filter{})
	if err != nil {
		return err
	}
	in.cancel = cancel
	in.done = make(chan struct{})
	go in.listen(ctx, ch, in.done)
	in.logger.Info("automatic triggers listening")
	return nil
}

func (in *Intake) listen(ctx context.Context, ch <-chan events.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		started, err := in.HandleEvent(ctx, ev)
		if err != nil {
			in.logger.ErrorContext(ctx, "automatic trigger failed",
				slog.String("event_type", ev.Type), slog.String("error", err.Error()))
		}
		if len(started) > 0 {
			in.logger.DebugContext(ctx, "event started instances",
				slog.String("event_type", ev.Type), slog.Int("count", len(started)))
		}
	}
}

// Stop ends the bus subscription and waits for the listener to drain.
func (in *Intake) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel == nil {
		return
	}
	in.cancel()
	<-in.done
	in.cancel, in.done = nil, nil
}
