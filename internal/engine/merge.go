package engine

import (
	"sort"

	"github.com/bizportal/flowd/internal/conditions"
	"github.com/bizportal/flowd/pkg/schema"
)

// Conflict reasons reported in data_conflict events.
const (
	ConflictRefused  = "key exists and the step may not overwrite it"
	ConflictParallel = "overwritten by a parallel branch"
)

type conflict struct {
	Key     string
	Applied bool
	Reason  string
}

// mergeData folds a step's updates into the instance bag. The bag only
// grows: an existing key keeps its value unless the step owns it (the key
// is the step id), the step declares config.overwrite for it, or parallel
// cursors are live, in which case the last writer wins. Updates are applied
// in key order so the outcome does not depend on map iteration.
func mergeData(inst *schema.WorkflowInstance, step *schema.WorkflowStep, updates map[string]any) []conflict {
	if len(updates) == 0 {
		return nil
	}
	if inst.Data == nil {
		inst.Data = make(map[string]any, len(updates))
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	all, listed := overwrites(step)
	parallel := liveCursors(inst) > 1

	var out []conflict
	for _, k := range keys {
		v := updates[k]
		old, exists := inst.Data[k]
		if !exists || conditions.Equal(old, v) {
			inst.Data[k] = copyValue(v)
			continue
		}
		switch {
		case k == step.ID || all || listed[k]:
			inst.Data[k] = copyValue(v)
		case parallel:
			inst.Data[k] = copyValue(v)
			out = append(out, conflict{Key: k, Applied: true, Reason: ConflictParallel})
		default:
			out = append(out, conflict{Key: k, Reason: ConflictRefused})
		}
	}
	return out
}

// overwrites reads config.overwrite: true permits every key, a list names keys.
func overwrites(step *schema.WorkflowStep) (bool, map[string]bool) {
	if b, ok := step.Config[schema.ConfigOverwrite].(bool); ok {
		return b, nil
	}
	keys := step.ConfigStrings(schema.ConfigOverwrite)
	if len(keys) == 0 {
		return false, nil
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return false, set
}

func liveCursors(inst *schema.WorkflowInstance) int {
	n := 0
	for _, c := range inst.Cursors {
		if c.State != schema.CursorDone {
			n++
		}
	}
	return n
}

func copyValue(v any) any {
	return schema.CloneData(map[string]any{"v": v})["v"]
}
