// Package conditions evaluates step routing predicates against an instance data bag.
//
// Evaluation is pure: the same condition and bag always produce the same
// result, which lets a recovered instance replay its routing decisions.
package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/bizportal/flowd/pkg/schema"
)

// Result is the outcome of evaluating one condition.
type Result struct {
	Matched bool
	// Warning is set when the operands could not be compared. The condition
	// then resolves false.
	Warning *schema.FlowError
}

// Evaluate tests a single condition. A missing field is always false.
func Evaluate(c schema.WorkflowCondition, bag map[string]any) Result {
	actual, ok := Lookup(bag, c.Field)
	if !ok {
		return Result{}
	}

	switch c.Operator {
	case schema.OpEquals:
		return Result{Matched: Equal(actual, c.Value)}
	case schema.OpNotEquals:
		return Result{Matched: !Equal(actual, c.Value)}
	case schema.OpGreaterThan, schema.OpLessThan:
		cmp, err := compare(actual, c.Value)
		if err != nil {
			return warn(c, err.Error())
		}
		if c.Operator == schema.OpGreaterThan {
			return Result{Matched: cmp > 0}
		}
		return Result{Matched: cmp < 0}
	case schema.OpContains, schema.OpNotContains:
		found, err := contains(actual, c.Value)
		if err != nil {
			return warn(c, err.Error())
		}
		if c.Operator == schema.OpContains {
			return Result{Matched: found}
		}
		return Result{Matched: !found}
	default:
		return warn(c, fmt.Sprintf("unknown operator %q", c.Operator))
	}
}

// Select evaluates conditions in declared order and returns the target of the
// first match. Warnings from every evaluated condition are returned.
func Select(conds []schema.WorkflowCondition, bag map[string]any) (string, bool, []*schema.FlowError) {
	var warnings []*schema.FlowError
	for _, c := range conds {
		r := Evaluate(c, bag)
		if r.Warning != nil {
			warnings = append(warnings, r.Warning)
		}
		if r.Matched {
			return c.NextStep, true, warnings
		}
	}
	return "", false, warnings
}

func warn(c schema.WorkflowCondition, msg string) Result {
	return Result{Warning: schema.NewErrorf(schema.ErrCodeConditionWarning,
		"condition %s %s: %s", c.Field, c.Operator, msg).
		WithDetails(map[string]any{"field": c.Field, "operator": string(c.Operator), "next_step": c.NextStep})}
}

// Lookup resolves a field in the bag. An exact key wins; otherwise the field
// is treated as a dot-separated path into nested maps.
func Lookup(bag map[string]any, field string) (any, bool) {
	if bag == nil || field == "" {
		return nil, false
	}
	if v, ok := bag[field]; ok {
		return v, true
	}
	var cur any = bag
	for _, part := range strings.Split(field, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// Equal is deep value equality with numeric kinds normalised, so 5, int64(5),
// 5.0 and json.Number("5") compare equal.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	if f, ok := numeric(v); ok {
		return f
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case time.Time:
		return t.UTC()
	}
	return v
}

// numeric reports whether v is a Go numeric value (not a numeric string).
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return cast.ToFloat64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// compare orders two operands numerically, falling back to dates.
func compare(a, b any) (int, error) {
	if fa, fb, ok := asFloats(a, b); ok {
		return cmpFloat(fa, fb), nil
	}
	ta, errA := asTime(a)
	tb, errB := asTime(b)
	if errA == nil && errB == nil {
		return cmpTime(ta, tb), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

func asFloats(a, b any) (float64, float64, bool) {
	fa, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

// toFloat accepts numbers and numeric strings. Booleans are not ordered.
func toFloat(v any) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return f, true
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return cast.ToTimeE(t)
	}
	return time.Time{}, fmt.Errorf("%T is not a date", v)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// contains is substring for strings and membership for sequences.
func contains(haystack, needle any) (bool, error) {
	if s, ok := haystack.(string); ok {
		n, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("substring test needs a string operand, got %T", needle)
		}
		return strings.Contains(s, n), nil
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, fmt.Errorf("%T is neither a string nor a sequence", haystack)
	}
	for i := 0; i < rv.Len(); i++ {
		if Equal(rv.Index(i).Interface(), needle) {
			return true, nil
		}
	}
	return false, nil
}
