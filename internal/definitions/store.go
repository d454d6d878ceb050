// Package definitions publishes and serves immutable, versioned workflow
// definitions.
package definitions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bizportal/flowd/internal/store"
	"github.com/bizportal/flowd/internal/validation"
	"github.com/bizportal/flowd/pkg/schema"
)

// Store is the definition registry. Published versions never change, so
// reads after the first load are served from an in-process cache.
type Store struct {
	repo      store.DefinitionRepo
	validator *validation.DefinitionValidator
	logger    *slog.Logger
	now       func() time.Time

	// publishMu serialises version assignment within this process. The
	// (id, version) primary key catches races across processes.
	publishMu sync.Mutex
	cache     sync.Map // schema.DefinitionRef -> *schema.WorkflowDefinition
}

// NewStore creates a definition store.
func NewStore(repo store.DefinitionRepo, validator *validation.DefinitionValidator, logger *slog.Logger) *Store {
	return &Store{repo: repo, validator: validator, logger: logger, now: time.Now}
}

// PublishResult is the outcome of a successful publish.
type PublishResult struct {
	Ref      schema.DefinitionRef      `json:"ref"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// Publish validates def and stores it as the next version of def.ID.
// The caller's Version is ignored. def is not modified.
func (s *Store) Publish(ctx context.Context, def *schema.WorkflowDefinition) (*PublishResult, error) {
	result := s.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	latest, err := s.repo.LatestDefinitionVersion(ctx, def.ID)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	pub := cloneDefinition(def)
	pub.Version = latest + 1
	pub.PublishedAt = s.now().UTC()
	if err := s.repo.InsertDefinition(ctx, pub); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	s.cache.Store(pub.Ref(), pub)

	s.logger.InfoContext(ctx, "definition published",
		slog.String("definition", pub.Ref().String()),
		slog.String("module", pub.Module),
		slog.Int("warnings", len(result.Warnings)))
	return &PublishResult{Ref: pub.Ref(), Warnings: result.Warnings}, nil
}

// Get returns a published definition. Version 0 resolves to the latest.
// Callers must treat the returned definition as read-only.
func (s *Store) Get(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	if version <= 0 {
		latest, err := s.repo.LatestDefinitionVersion(ctx, id)
		if err != nil {
			return nil, schema.AsFlowError(err, schema.ErrCodeStore)
		}
		if latest == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
		}
		version = latest
	}

	ref := schema.DefinitionRef{ID: id, Version: version}
	if v, ok := s.cache.Load(ref); ok {
		return v.(*schema.WorkflowDefinition), nil
	}
	def, err := s.repo.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	actual, _ := s.cache.LoadOrStore(ref, def)
	return actual.(*schema.WorkflowDefinition), nil
}

// GetActiveByModule returns the latest version of each definition in module,
// skipping definitions whose latest version is inactive.
func (s *Store) GetActiveByModule(ctx context.Context, module string) ([]*schema.WorkflowDefinition, error) {
	return s.listActive(ctx, store.DefinitionFilter{Module: module, LatestOnly: true})
}

// ActiveByTrigger returns the active latest versions started by the given trigger type.
func (s *Store) ActiveByTrigger(ctx context.Context, typ schema.TriggerType) ([]*schema.WorkflowDefinition, error) {
	return s.listActive(ctx, store.DefinitionFilter{TriggerType: typ, LatestOnly: true})
}

// Versions lists every published version of a definition, oldest first.
func (s *Store) Versions(ctx context.Context, id string) ([]*schema.WorkflowDefinition, error) {
	defs, err := s.repo.ListDefinitions(ctx, store.DefinitionFilter{ID: id})
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if len(defs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
	}
	return defs, nil
}

func (s *Store) listActive(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	defs, err := s.repo.ListDefinitions(ctx, filter)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	out := make([]*schema.WorkflowDefinition, 0, len(defs))
	for _, d := range defs {
		if !d.Active {
			continue
		}
		actual, _ := s.cache.LoadOrStore(d.Ref(), d)
		out = append(out, actual.(*schema.WorkflowDefinition))
	}
	return out, nil
}

// cloneDefinition copies def deeply enough that later edits by the caller
// cannot reach the published version.
func cloneDefinition(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	cp := *def
	cp.Trigger.Config = schema.CloneData(def.Trigger.Config)
	cp.Steps = make([]schema.WorkflowStep, len(def.Steps))
	for i, st := range def.Steps {
		st.Config = schema.CloneData(st.Config)
		st.NextSteps = append([]string(nil), st.NextSteps...)
		st.Conditions = append([]schema.WorkflowCondition(nil), st.Conditions...)
		cp.Steps[i] = st
	}
	return &cp
}
