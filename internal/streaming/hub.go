package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is a real-time event emitted during a pipeline run.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	AssetID   string    `json:"asset_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter selects events. Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	StepID     string   `json:"step_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for run progress, approvals and step events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// Discard is an EventHub that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, StreamEvent) error { return nil }

func (Discard) Subscribe(context.Context, EventFilter) (<-chan StreamEvent, func(), error) {
	ch := make(chan StreamEvent)
	return ch, func() {}, nil
}
