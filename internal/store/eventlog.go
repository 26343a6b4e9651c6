package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/pkg/schema"
)

// EventLog records run events on a Store. Recording never fails a run:
// errors are logged and dropped.
type EventLog struct {
	store  Store
	logger *slog.Logger
}

// NewEventLog wraps s. A nil s yields a log that records nothing.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	return &EventLog{store: s, logger: logging.OrDefault(logger)}
}

// Enabled reports whether events reach a store.
func (el *EventLog) Enabled() bool { return el != nil && el.store != nil }

// Record appends an event with payload marshalled to JSON.
func (el *EventLog) Record(ctx context.Context, runID, stepID, assetID, eventType string, payload any) {
	if !el.Enabled() {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			b, _ = json.Marshal(map[string]any{"unencodable": fmt.Sprint(payload)})
		}
		raw = b
	}
	err := el.store.AppendEvent(ctx, &Event{
		RunID:   runID,
		StepID:  stepID,
		AssetID: assetID,
		Type:    eventType,
		Payload: raw,
	})
	if err != nil {
		logging.LogWith(ctx, el.logger).Warn("ledger append failed",
			slog.String("code", schema.ErrCodeStore),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

// AppendEvent satisfies the appender contract used by the step FSM.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if !el.Enabled() {
		return nil
	}
	return el.store.AppendEvent(ctx, event)
}

// ReplaySteps rebuilds every step's summary from a run's events. It fails
// on sequence gaps.
func (el *EventLog) ReplaySteps(ctx context.Context, runID string) (map[string]*StepSummary, error) {
	if !el.Enabled() {
		return map[string]*StepSummary{}, nil
	}
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepSummary)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepSummary{StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusComplete
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepCached:
			ss.Cached = true
			ss.Status = schema.StepStatusComplete

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Retries++

		case schema.EventStepAwaiting:
			ss.Status = schema.StepStatusAwaitingApproval

		case schema.EventAssetCompleted, schema.EventAssetCached:
			ss.AssetsDone++

		case schema.EventAssetFailed:
			ss.AssetsFail++
		}
	}
	return states, nil
}
