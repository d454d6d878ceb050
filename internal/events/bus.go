// Package events carries domain events between portal modules and the
// engine. Automatic triggers subscribe to the bus; the engine publishes
// instance lifecycle events back onto it.
package events

import (
	"context"
	"slices"
	"time"
)

// Lifecycle event types published by the engine.
const (
	TypeInstanceStarted   = "flowd.instance.started"
	TypeInstanceCompleted = "flowd.instance.completed"
	TypeInstanceFailed    = "flowd.instance.failed"
	TypeInstanceCancelled = "flowd.instance.cancelled"
)

// Event is a domain event such as "employee.hired".
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Time       time.Time      `json:"time"`
}

// Filter selects the events a subscriber receives. Empty fields match everything.
type Filter struct {
	Types      []string `json:"types,omitempty"`
	InstanceID string   `json:"instance_id,omitempty"`
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.InstanceID != "" && f.InstanceID != e.InstanceID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus is a pub/sub channel for domain events.
type Bus interface {
	Publisher
	// Subscribe returns a channel of matching events and a cancel function.
	// Slow subscribers lose events rather than block publishers.
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
