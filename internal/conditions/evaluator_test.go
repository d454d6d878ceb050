package conditions

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/pkg/schema"
)

func cond(field string, op schema.Operator, value any) schema.WorkflowCondition {
	return schema.WorkflowCondition{Field: field, Operator: op, Value: value, NextStep: "next"}
}

func TestEvaluate_Operators(t *testing.T) {
	bag := map[string]any{
		"balance":  float64(5),
		"days":     int64(3),
		"status":   "pending review",
		"tags":     []any{"urgent", "hr", float64(7)},
		"employee": map[string]any{"grade": "senior", "level": 4},
		"start":    "2026-03-01T00:00:00Z",
		"amount":   json.Number("1200.50"),
		"nums":     "42",
	}

	cases := []struct {
		name string
		c    schema.WorkflowCondition
		want bool
	}{
		{"equals numeric kinds", cond("balance", schema.OpEquals, 5), true},
		{"equals int64 vs float", cond("days", schema.OpEquals, 3.0), true},
		{"equals string", cond("status", schema.OpEquals, "pending review"), true},
		{"equals nested path", cond("employee.grade", schema.OpEquals, "senior"), true},
		{"equals deep map", cond("employee", schema.OpEquals, map[string]any{"grade": "senior", "level": float64(4)}), true},
		{"not_equals", cond("balance", schema.OpNotEquals, 0), true},
		{"not_equals same", cond("balance", schema.OpNotEquals, 5), false},
		{"greater_than", cond("balance", schema.OpGreaterThan, 0), true},
		{"greater_than json number", cond("amount", schema.OpGreaterThan, 1000), true},
		{"greater_than numeric string", cond("nums", schema.OpGreaterThan, "41"), true},
		{"less_than", cond("balance", schema.OpLessThan, 5), false},
		{"less_than dates", cond("start", schema.OpLessThan, "2026-04-01T00:00:00Z"), true},
		{"contains substring", cond("status", schema.OpContains, "review"), true},
		{"contains member", cond("tags", schema.OpContains, "hr"), true},
		{"contains numeric member", cond("tags", schema.OpContains, 7), true},
		{"not_contains member", cond("tags", schema.OpNotContains, "finance"), true},
		{"not_contains substring", cond("status", schema.OpNotContains, "pending"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Evaluate(tc.c, bag)
			assert.Equal(t, tc.want, r.Matched)
			assert.Nil(t, r.Warning)
		})
	}
}

func TestEvaluate_MissingFieldIsFalse(t *testing.T) {
	bag := map[string]any{"balance": 5}
	for _, op := range schema.Operators {
		r := Evaluate(cond("ghost", op, 1), bag)
		assert.False(t, r.Matched, string(op))
		assert.Nil(t, r.Warning, string(op))
	}
	assert.False(t, Evaluate(cond("balance.deeper", schema.OpEquals, 5), bag).Matched)
	assert.False(t, Evaluate(cond("balance", schema.OpEquals, 5), nil).Matched)
}

func TestEvaluate_IncomparableWarns(t *testing.T) {
	bag := map[string]any{
		"name":    "alice",
		"flag":    true,
		"balance": 5,
		"meta":    map[string]any{"a": 1},
	}

	cases := []schema.WorkflowCondition{
		cond("name", schema.OpGreaterThan, 3),
		cond("flag", schema.OpLessThan, 1),
		cond("balance", schema.OpContains, 5),
		cond("meta", schema.OpNotContains, "a"),
		cond("name", schema.OpContains, 5),
		cond("balance", schema.Operator("between"), 5),
	}
	for _, c := range cases {
		t.Run(string(c.Operator)+"/"+c.Field, func(t *testing.T) {
			r := Evaluate(c, bag)
			assert.False(t, r.Matched, "incomparable operands never match")
			require.NotNil(t, r.Warning)
			assert.Equal(t, schema.ErrCodeConditionWarning, r.Warning.Code)
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	bag := map[string]any{"tags": []any{"a", "b"}, "n": 10, "when": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	conds := []schema.WorkflowCondition{
		cond("tags", schema.OpContains, "b"),
		cond("n", schema.OpGreaterThan, "x"),
		cond("when", schema.OpGreaterThan, "2025-12-31T00:00:00Z"),
	}
	for _, c := range conds {
		first := Evaluate(c, bag)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Evaluate(c, bag))
		}
	}
}

func TestSelect_FirstMatchWins(t *testing.T) {
	bag := map[string]any{"balance": 5, "name": "x"}
	conds := []schema.WorkflowCondition{
		{Field: "name", Operator: schema.OpGreaterThan, Value: 1, NextStep: "weird"},
		{Field: "balance", Operator: schema.OpGreaterThan, Value: 0, NextStep: "approval"},
		{Field: "balance", Operator: schema.OpGreaterThan, Value: 1, NextStep: "also"},
	}
	target, ok, warnings := Select(conds, bag)
	assert.True(t, ok)
	assert.Equal(t, "approval", target)
	assert.Len(t, warnings, 1)

	target, ok, _ = Select(conds[:1], bag)
	assert.False(t, ok)
	assert.Empty(t, target)
}

func TestLookup_ExactKeyBeatsPath(t *testing.T) {
	bag := map[string]any{
		"a.b": "flat",
		"a":   map[string]any{"b": "nested"},
	}
	v, ok := Lookup(bag, "a.b")
	require.True(t, ok)
	assert.Equal(t, "flat", v)

	v, ok = Lookup(map[string]any{"a": map[string]string{"b": "s"}}, "a.b")
	require.True(t, ok)
	assert.Equal(t, "s", v)
}
