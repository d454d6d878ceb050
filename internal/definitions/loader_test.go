package definitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizportal/flowd/pkg/schema"
)

const leaveYAML = `
id: leave
name: Leave
module: hr
active: true
trigger:
  type: manual
steps:
  - id: check
    type: condition
    conditions:
      - {field: balance, operator: greater_than, value: 0, nextStep: ok}
    config: {default: ok}
    nextSteps: [ok]
  - id: ok
    type: notification
    config: {template: done}
`

func TestDecode_YAML(t *testing.T) {
	def, err := Decode([]byte(leaveYAML))
	require.NoError(t, err)
	assert.Equal(t, "leave", def.ID)
	assert.Equal(t, schema.TriggerManual, def.Trigger.Type)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, []string{"ok"}, def.Steps[0].NextSteps)
	assert.Equal(t, schema.OpGreaterThan, def.Steps[0].Conditions[0].Operator)
	assert.Equal(t, "ok", def.Steps[0].ConfigString(schema.ConfigDefault))
}

func TestDecode_JSON(t *testing.T) {
	def, err := Decode([]byte(`{"id":"j","name":"J","module":"m","trigger":{"type":"manual"},
		"steps":[{"id":"a","type":"delay","config":{"delay":30}}]}`))
	require.NoError(t, err)
	d, ok := def.Steps[0].ConfigDuration(schema.ConfigDelay)
	require.True(t, ok)
	assert.Equal(t, "30s", d.String())
}

func TestDecode_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":         "  ",
		"unknown yaml":  "id: x\nsurprise: 1\n",
		"unknown json":  `{"id":"x","surprise":1}`,
		"malformed":     "id: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(leaveYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"first","name":"n","module":"m","trigger":{"type":"manual"},"steps":[]}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "first", defs[0].ID)
	assert.Equal(t, "leave", defs[1].ID)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
