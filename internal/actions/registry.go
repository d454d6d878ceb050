package actions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bizportal/flowd/internal/steps"
	"github.com/bizportal/flowd/pkg/schema"
)

// Registry is a thread-safe set of actions keyed by name. It implements
// steps.ActionInvoker and validation.ActionLookup.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		actions: make(map[string]Action),
		logger:  logger,
	}
}

// Register adds an action. Returns CONFLICT on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		infos = append(infos, ActionInfo{Name: a.Name(), Description: a.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Invoke resolves req.Action and executes it. The step url, when set, is
// passed as the "url" param unless params already carry one.
func (r *Registry) Invoke(ctx context.Context, req *steps.ActionRequest) (any, error) {
	action, err := r.Get(req.Action)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	if req.URL != "" {
		if _, ok := params["url"]; !ok {
			params["url"] = req.URL
		}
	}
	if err := action.Validate(params); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeValidation)
	}

	start := time.Now()
	out, err := action.Execute(ctx, ActionInput{
		Params:         params,
		Input:          req.Input,
		System:         req.System,
		Operation:      req.Operation,
		IdempotencyKey: req.IdempotencyKey,
		InstanceID:     req.InstanceID,
		StepID:         req.StepID,
		Attempt:        req.Attempt,
	})
	r.logger.DebugContext(ctx, "action invoked",
		slog.String("action", req.Action),
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil))
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ steps.ActionInvoker = (*Registry)(nil)
