package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/artgen/internal/store"
	"github.com/rendis/artgen/pkg/schema"
)

// TransitionHook observes a step transition after it is recorded.
type TransitionHook func(stepID string, from, to schema.StepStatus) error

// EventAppender is satisfied by the Store and EventLog; used by the FSM to
// emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM validates step lifecycle transitions and records each one in
// the run ledger. It holds no per-step state: callers pass the current
// status.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via appender. A nil
// appender records nothing.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnAfter registers a hook called after a transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEnter registers hook after every transition that lands on to.
func (f *StepFSM) OnEnter(to schema.StepStatus, hook TransitionHook) {
	for from, targets := range ValidStepTransitions {
		for _, t := range targets {
			if t == to {
				f.OnAfter(from, to, hook)
			}
		}
	}
}

// Transition validates and records a transition without a payload.
func (f *StepFSM) Transition(ctx context.Context, runID, stepID string, from, to schema.StepStatus) error {
	return f.TransitionWith(ctx, runID, stepID, from, to, nil)
}

// TransitionWith validates a transition, appends the matching ledger event
// with payload encoded as JSON and then runs the hooks.
func (f *StepFSM) TransitionWith(ctx context.Context, runID, stepID string, from, to schema.StepStatus, payload any) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	after := append([]TransitionHook(nil), f.after[stepHookKey{from, to}]...)
	f.mu.Unlock()

	if eventType := stepEventType(to); eventType != "" && f.appender != nil {
		event := &store.Event{
			RunID:  runID,
			StepID: stepID,
			Type:   eventType,
		}
		if payload != nil {
			if raw, err := json.Marshal(payload); err == nil {
				event.Payload = raw
			}
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			// The transition itself stands; callers log the store error.
			_ = runHooks(after, stepID, from, to)
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	return runHooks(after, stepID, from, to)
}

func runHooks(hooks []TransitionHook, stepID string, from, to schema.StepStatus) error {
	for _, hook := range hooks {
		if err := hook(stepID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusComplete:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusAwaitingApproval:
		return schema.EventStepAwaiting
	default:
		return ""
	}
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:          {schema.StepStatusSkipped, schema.StepStatusRunning},
	schema.StepStatusRunning:          {schema.StepStatusAwaitingApproval, schema.StepStatusComplete, schema.StepStatusFailed},
	schema.StepStatusAwaitingApproval: {schema.StepStatusRunning, schema.StepStatusComplete, schema.StepStatusFailed},
	schema.StepStatusComplete:         {},
	schema.StepStatusFailed:           {},
	schema.StepStatusSkipped:          {},
}
