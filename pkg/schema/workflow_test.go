package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStep_ConfigDuration(t *testing.T) {
	step := &WorkflowStep{Config: map[string]any{
		"int":      30,
		"float":    1.5,
		"numeric":  "120",
		"duration": "48h",
		"bad":      "soon",
	}}

	cases := []struct {
		key  string
		want time.Duration
		ok   bool
	}{
		{"int", 30 * time.Second, true},
		{"float", 1500 * time.Millisecond, true},
		{"numeric", 2 * time.Minute, true},
		{"duration", 48 * time.Hour, true},
		{"bad", 0, false},
		{"missing", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			got, ok := step.ConfigDuration(tc.key)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWorkflowStep_ConfigAccessors(t *testing.T) {
	step := &WorkflowStep{
		Config: map[string]any{
			"action":      "hr.submitLeave",
			"autoApprove": "true",
			"recipients":  []any{"alice", "bob"},
			"single":      "carol",
		},
		NextSteps: []string{"a", "b"},
	}
	assert.Equal(t, "hr.submitLeave", step.ConfigString(ConfigAction))
	assert.Equal(t, "", step.ConfigString("nope"))
	assert.True(t, step.ConfigBool(ConfigAutoApprove))
	assert.Equal(t, []string{"alice", "bob"}, step.ConfigStrings(ConfigRecipients))
	assert.Equal(t, []string{"carol"}, step.ConfigStrings("single"))
	assert.True(t, step.HasNext("b"))
	assert.False(t, step.HasNext("c"))
	assert.False(t, step.Terminal())
}

func TestWorkflowDefinition_StepLookup(t *testing.T) {
	def := &WorkflowDefinition{ID: "leave", Version: 3, Steps: []WorkflowStep{{ID: "submit"}, {ID: "notify"}}}

	first, ok := def.FirstStep()
	require.True(t, ok)
	assert.Equal(t, "submit", first.ID)

	s, ok := def.Step("notify")
	require.True(t, ok)
	assert.Equal(t, "notify", s.ID)

	_, ok = def.Step("ghost")
	assert.False(t, ok)
	assert.Equal(t, "leave@v3", def.Ref().String())
}

func TestWorkflowInstance_CloneIsDeep(t *testing.T) {
	due := time.Now()
	inst := &WorkflowInstance{
		ID:      "i1",
		Data:    map[string]any{"employee": map[string]any{"balance": 5}, "tags": []any{"x"}},
		Cursors: []Cursor{{ID: "c1", StepID: "approval", State: CursorWaiting, DueAt: &due}},
	}
	cp := inst.Clone()
	cp.Data["employee"].(map[string]any)["balance"] = 0
	cp.Data["tags"].([]any)[0] = "y"
	cp.Cursors[0].State = CursorDone

	assert.Equal(t, 5, inst.Data["employee"].(map[string]any)["balance"])
	assert.Equal(t, "x", inst.Data["tags"].([]any)[0])
	assert.Equal(t, CursorWaiting, inst.Cursors[0].State)
}

func TestWorkflowInstance_Cursors(t *testing.T) {
	inst := &WorkflowInstance{Cursors: []Cursor{
		{ID: "c1", StepID: "notify", State: CursorDone},
		{ID: "c2", StepID: "calendar", State: CursorWaiting},
	}}
	assert.Equal(t, "calendar", inst.CurrentStepID())
	assert.Equal(t, []string{"calendar"}, inst.CurrentStepIDs())
	assert.False(t, inst.AllDone())

	c, ok := inst.WaitingCursor("calendar")
	require.True(t, ok)
	assert.Equal(t, "c2", c.ID)

	inst.Cursors[1].State = CursorDone
	assert.True(t, inst.AllDone())
	assert.Equal(t, "calendar", inst.CurrentStepID())

	assert.Equal(t, 1, inst.NextAttempt("notify"))
	assert.Equal(t, 2, inst.NextAttempt("notify"))
}
