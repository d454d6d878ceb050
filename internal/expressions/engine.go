// Package expressions hosts the three expression dialects used by workflow
// definitions: expr-lang for trigger filters, CEL for approval assignee
// routing and jq for integration payload mapping.
package expressions

import (
	"context"
	"sync"
)

// Engine evaluates expressions against a data environment.
type Engine interface {
	Name() string
	// Check compiles an expression without running it.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles one engine per dialect. The zero value is not usable; call NewSet.
type Set struct {
	Expr *ExprEngine
	CEL  *CELEngine
	JQ   *GoJQEngine
}

// NewSet builds every engine.
func NewSet() (*Set, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{Expr: NewExprEngine(), CEL: cel, JQ: NewGoJQEngine()}, nil
}

// programCache memoises compiled programs by source text. Compiled programs
// are immutable and shared across goroutines.
type programCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{items: make(map[string]T)}
}

func (c *programCache[T]) get(key string, compile func() (T, error)) (T, error) {
	c.mu.RLock()
	prg, ok := c.items[key]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.items[key]; ok {
		return prg, nil
	}
	prg, err := compile()
	if err != nil {
		return prg, err
	}
	c.items[key] = prg
	return prg, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
