package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bizportal/flowd/pkg/schema"
)

// MemoryStore is a non-durable Store kept entirely in process memory.
// It backs tests and the "memory" database setting.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*schema.WorkflowDefinition
	instances   map[string]*schema.WorkflowInstance
	records     map[string][]*schema.StepExecutionRecord // instance id -> records
	waits       map[waitKey]*schema.PendingWait
	events      map[string][]*Event
	triggers    map[string]*ScheduledTrigger
	eventSeq    int64
}

type waitKey struct{ instanceID, stepID string }

type recordKey struct {
	stepID  string
	attempt int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*schema.WorkflowDefinition),
		instances:   make(map[string]*schema.WorkflowInstance),
		records:     make(map[string][]*schema.StepExecutionRecord),
		waits:       make(map[waitKey]*schema.PendingWait),
		events:      make(map[string][]*Event),
		triggers:    make(map[string]*ScheduledTrigger),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) InsertDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	cp, err := copyDefinition(def)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.definitions[def.ID]
	if !ok {
		versions = make(map[int]*schema.WorkflowDefinition)
		m.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s@v%d already published", def.ID, def.Version)
	}
	versions[def.Version] = cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.definitions[id]
	if version <= 0 {
		version = latestVersion(versions)
	}
	def, ok := versions[version]
	if !ok {
		return nil, storeNotFound("definition", refLabel(id, version))
	}
	return copyDefinition(def)
}

func (m *MemoryStore) LatestDefinitionVersion(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestVersion(m.definitions[id]), nil
}

func (m *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.WorkflowDefinition
	for id, versions := range m.definitions {
		if filter.ID != "" && filter.ID != id {
			continue
		}
		latest := latestVersion(versions)
		for v, def := range versions {
			if filter.LatestOnly && v != latest {
				continue
			}
			if filter.Module != "" && def.Module != filter.Module {
				continue
			}
			if filter.TriggerType != "" && def.Trigger.Type != filter.TriggerType {
				continue
			}
			cp, err := copyDefinition(def)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func latestVersion(versions map[int]*schema.WorkflowDefinition) int {
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

func copyDefinition(def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	return decodeDefinition(string(b))
}

// --- Instances ---

func (m *MemoryStore) Commit(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.Instance == nil {
		return schema.NewError(schema.ErrCodeValidation, "checkpoint without instance")
	}
	inst := cp.Instance

	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.instances[inst.ID]
	switch {
	case cp.Create && exists:
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	case !cp.Create && !exists:
		return storeNotFound("instance", inst.ID)
	case !cp.Create && current.Checkpoint != cp.Expected:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"instance %q moved past checkpoint %d", inst.ID, cp.Expected)
	}

	existing := make(map[recordKey]bool)
	for _, r := range m.records[inst.ID] {
		existing[recordKey{r.StepID, r.Attempt}] = true
	}
	for _, r := range cp.Records {
		k := recordKey{r.StepID, r.Attempt}
		if existing[k] {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"step record %s/%s#%d already exists", r.InstanceID, r.StepID, r.Attempt)
		}
		existing[k] = true
	}

	now := time.Now().UTC()
	for _, r := range cp.Records {
		rc := *r
		rc.StartedAt = timeOrNow(rc.StartedAt)
		rc.FinishedAt = timeOrNow(rc.FinishedAt)
		m.records[inst.ID] = append(m.records[inst.ID], &rc)
	}

	inst.Checkpoint = cp.Expected + 1
	inst.UpdatedAt = now
	if inst.StartedAt.IsZero() {
		inst.StartedAt = now
	}
	m.instances[inst.ID] = inst.Clone()
	if cp.DropWaits {
		for k := range m.waits {
			if k.instanceID == inst.ID {
				delete(m.waits, k)
			}
		}
	}

	seq := int64(len(m.events[inst.ID]))
	for _, ev := range cp.Events {
		seq++
		m.eventSeq++
		ev.ID = m.eventSeq
		ev.InstanceID = inst.ID
		ev.Sequence = seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		ec := *ev
		m.events[inst.ID] = append(m.events[inst.ID], &ec)
	}
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*schema.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.WorkflowInstance
	for _, inst := range m.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		if filter.CreatedBy != "" && inst.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Since != nil && inst.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Step execution records ---

func (m *MemoryStore) ListStepRecords(_ context.Context, instanceID, stepID string) ([]*schema.StepExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.StepExecutionRecord
	for _, r := range m.records[instanceID] {
		if stepID != "" && r.StepID != stepID {
			continue
		}
		rc := *r
		out = append(out, &rc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

// --- Pending waits ---

func (m *MemoryStore) CreateWait(_ context.Context, w *schema.PendingWait) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := waitKey{w.InstanceID, w.StepID}
	if _, exists := m.waits[k]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "wait %s/%s already exists", w.InstanceID, w.StepID)
	}
	wc := *w
	wc.CreatedAt = timeOrNow(wc.CreatedAt)
	m.waits[k] = &wc
	return nil
}

func (m *MemoryStore) GetWait(_ context.Context, instanceID, stepID string) (*schema.PendingWait, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waits[waitKey{instanceID, stepID}]
	if !ok {
		return nil, storeNotFound("wait", instanceID+"/"+stepID)
	}
	wc := *w
	return &wc, nil
}

func (m *MemoryStore) DeleteWait(_ context.Context, instanceID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := waitKey{instanceID, stepID}
	if _, ok := m.waits[k]; !ok {
		return storeNotFound("wait", instanceID+"/"+stepID)
	}
	delete(m.waits, k)
	return nil
}

func (m *MemoryStore) ListWaits(_ context.Context, filter WaitFilter) ([]*schema.PendingWait, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schema.PendingWait
	for _, w := range m.waits {
		if filter.InstanceID != "" && w.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Kind != "" && w.Kind != filter.Kind {
			continue
		}
		if filter.DueBefore != nil && w.DueAt.After(*filter.DueBefore) {
			continue
		}
		wc := *w
		out = append(out, &wc)
	}
	return sortAndLimitWaits(out, filter.Limit), nil
}

// --- Events ---

func (m *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[instanceID] {
		if e.Sequence > since {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for id, evs := range m.events {
		if filter.InstanceID != "" && id != filter.InstanceID {
			continue
		}
		for _, e := range evs {
			if e.Type != eventType {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			ec := *e
			out = append(out, &ec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Scheduled triggers ---

func (m *MemoryStore) UpsertScheduledTrigger(_ context.Context, trig *ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc := *trig
	if prev, ok := m.triggers[trig.ID]; ok {
		tc.CreatedAt = prev.CreatedAt
		tc.LastRunAt = prev.LastRunAt
		tc.LastRunStatus = prev.LastRunStatus
	}
	tc.CreatedAt = timeOrNow(tc.CreatedAt)
	m.triggers[trig.ID] = &tc
	return nil
}

func (m *MemoryStore) GetScheduledTrigger(_ context.Context, id string) (*ScheduledTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, storeNotFound("scheduled trigger", id)
	}
	tc := *t
	return &tc, nil
}

func (m *MemoryStore) UpdateScheduledTrigger(_ context.Context, id string, update ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return storeNotFound("scheduled trigger", id)
	}
	if update.Enabled != nil {
		t.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		v := *update.LastRunAt
		t.LastRunAt = &v
	}
	if update.NextRunAt != nil {
		v := *update.NextRunAt
		t.NextRunAt = &v
	}
	if update.LastRunStatus != "" {
		t.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListScheduledTriggers(_ context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ScheduledTrigger
	for _, t := range m.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.DefinitionID != "" && t.DefinitionID != filter.DefinitionID {
			continue
		}
		tc := *t
		out = append(out, &tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return storeNotFound("scheduled trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)
