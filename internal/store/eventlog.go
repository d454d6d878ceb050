package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bizportal/flowd/pkg/schema"
)

// EventLog provides read and replay operations over the instance audit log.
// Events are written only as part of a checkpoint commit.
type EventLog struct {
	repo EventRepo
}

// NewEventLog wraps an EventRepo.
func NewEventLog(repo EventRepo) *EventLog {
	return &EventLog{repo: repo}
}

// StepHistory is the replayed view of one step within an instance.
type StepHistory struct {
	StepID      string     `json:"step_id"`
	Status      string     `json:"status"`
	Started     int        `json:"started"`
	Retries     int        `json:"retries"`
	Warnings    int        `json:"warnings,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	LastEventAt time.Time  `json:"last_event_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	firstSeq int64
}

// GetEvents returns events for an instance with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	return el.repo.GetEvents(ctx, instanceID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.repo.GetEventsByType(ctx, eventType, filter)
}

// ReplayHistory replays all events of an instance into per-step summaries,
// ordered by first appearance in the log. Returns STORE_ERROR if sequence gaps are detected.
func (el *EventLog) ReplayHistory(ctx context.Context, instanceID string) ([]*StepHistory, error) {
	events, err := el.repo.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %s: expected %d, got %d", instanceID, expected, e.Sequence)
		}
	}

	steps := make(map[string]*StepHistory)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		h, ok := steps[e.StepID]
		if !ok {
			h = &StepHistory{StepID: e.StepID, Status: "pending", FirstSeenAt: e.Timestamp, firstSeq: e.Sequence}
			steps[e.StepID] = h
		}
		h.LastEventAt = e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			h.Status = "running"
			h.Started++
		case schema.EventStepCompleted, schema.EventStepReplayed:
			h.Status = "completed"
			ts := e.Timestamp
			h.CompletedAt = &ts
		case schema.EventStepFailed:
			h.Status = "failed"
		case schema.EventStepRetrying:
			h.Status = "retrying"
			h.Retries++
		case schema.EventStepSuspended:
			h.Status = "waiting"
		case schema.EventConditionWarning:
			h.Warnings++
		}
	}

	out := make([]*StepHistory, 0, len(steps))
	for _, h := range steps {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].firstSeq < out[j].firstSeq })
	return out, nil
}
