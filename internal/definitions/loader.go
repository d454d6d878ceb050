package definitions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bizportal/flowd/pkg/schema"
)

// Decode parses a definition document. JSON is detected by a leading '{';
// everything else is read as YAML.
func Decode(data []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty definition document")
	}
	if trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode JSON definition: %s", err).WithCause(err)
		}
		return &def, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode YAML definition: %s", err).WithCause(err)
	}
	return &def, nil
}

// LoadFile reads a definition from a .yaml, .yml or .json file.
func LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir reads every definition file in dir, sorted by file name.
func LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*schema.WorkflowDefinition, 0, len(names))
	for _, n := range names {
		def, err := LoadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
