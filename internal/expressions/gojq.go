package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/bizportal/flowd/pkg/schema"
)

// GoJQEngine evaluates jq programs. Integration steps use it to shape the
// request payload from the data bag and to pick fields out of the response.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Check parses and compiles the program.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Evaluate runs the program against data. A single output is returned as is;
// several outputs are collected into a slice.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Transform(ctx, expression, data)
}

// Transform runs the program against an arbitrary input value. The input is
// normalised through JSON first so bags holding Go-native values (int64,
// time.Time, typed slices) are accepted.
func (e *GoJQEngine) Transform(ctx context.Context, expression string, input any) (any, error) {
	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	normalized, err := toJQValue(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq input for %q is not JSON-compatible: %s", expression, err).
			WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, normalized)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	return e.cache.get(expression, func() (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		// $ENV is always empty.
		code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		return code, nil
	})
}

func toJQValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ Engine = (*GoJQEngine)(nil)
	_ Engine = (*ExprEngine)(nil)
	_ Engine = (*CELEngine)(nil)
)
