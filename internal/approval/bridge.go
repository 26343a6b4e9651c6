// Package approval connects a running pipeline to whoever makes the human
// decisions: a terminal, an MCP client or an automatic responder.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/streaming"
	"github.com/rendis/artgen/pkg/schema"
)

// RequestType distinguishes selections from yes/no approvals.
type RequestType string

const (
	TypeSelectOne RequestType = "select_one"
	TypeApprove   RequestType = "approve"
)

// Request asks a human to pick an option or approve a result.
type Request struct {
	ID               string         `json:"id"`
	Type             RequestType    `json:"type"`
	StepID           string         `json:"step_id"`
	StepKind         string         `json:"step_kind,omitempty"`
	AssetID          string         `json:"asset_id,omitempty"`
	AssetName        string         `json:"asset_name,omitempty"`
	Options          []any          `json:"options"`
	Prompt           string         `json:"prompt"`
	GenerationPrompt string         `json:"generation_prompt,omitempty"`
	Description      string         `json:"description,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Response answers a Request. An approve request reads only Approved; a
// select_one request reads SelectedIndex, where nil means option 0.
type Response struct {
	RequestID     string `json:"request_id"`
	Approved      bool   `json:"approved"`
	SelectedIndex *int   `json:"selected_index,omitempty"`
	Regenerate    bool   `json:"regenerate"`
}

// Index returns the chosen option index for a request of type t. A
// rejected approval is index 1.
func (r Response) Index(t RequestType) int {
	if t == TypeApprove {
		if r.Approved {
			return 0
		}
		return 1
	}
	if r.SelectedIndex != nil {
		return *r.SelectedIndex
	}
	return 0
}

// Config configures a Bridge.
type Config struct {
	// Timeout bounds each wait; zero waits until the context ends. A
	// timed-out request resolves to option 0.
	Timeout time.Duration
	Hub     streaming.EventHub
	Logger  *slog.Logger
}

type waiter struct {
	req      Request
	ch       chan Response
	resolved bool
}

// Bridge correlates approval requests raised by the executor with
// responses submitted from any goroutine.
type Bridge struct {
	timeout time.Duration
	hub     streaming.EventHub
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string]*waiter
	progress Progress
	watchers map[int]chan struct{}
	nextW    int
}

// NewBridge creates a Bridge.
func NewBridge(cfg Config) *Bridge {
	hub := cfg.Hub
	if hub == nil {
		hub = streaming.Discard{}
	}
	return &Bridge{
		timeout:  cfg.Timeout,
		hub:      hub,
		logger:   logging.OrDefault(cfg.Logger),
		pending:  make(map[string]*waiter),
		progress: Progress{Phase: schema.PhaseLoading},
		watchers: make(map[int]chan struct{}),
	}
}

// RequestSelection raises a select_one request and blocks until it is
// answered, times out or ctx ends.
func (b *Bridge) RequestSelection(ctx context.Context, req Request) (int, bool, error) {
	req.Type = TypeSelectOne
	if req.Prompt == "" {
		req.Prompt = fmt.Sprintf("Select best option for %s", displayName(req))
	}
	return b.wait(ctx, req)
}

// RequestApproval raises an approve request for a single result. The
// result is approved when option 0 is chosen without regeneration.
func (b *Bridge) RequestApproval(ctx context.Context, req Request) (approved, regenerate bool, err error) {
	req.Type = TypeApprove
	if req.Prompt == "" {
		req.Prompt = fmt.Sprintf("Approve result for %s?", displayName(req))
	}
	idx, regen, err := b.wait(ctx, req)
	if err != nil {
		return false, false, err
	}
	return idx == 0 && !regen, regen, nil
}

func displayName(req Request) string {
	switch {
	case req.AssetName != "":
		return req.AssetName
	case req.AssetID != "":
		return req.AssetID
	}
	return req.StepID
}

func (b *Bridge) wait(ctx context.Context, req Request) (int, bool, error) {
	req.ID = uuid.New().String()
	req.CreatedAt = time.Now().UTC()
	if req.Options == nil {
		req.Options = []any{}
	}
	w := &waiter{req: req, ch: make(chan Response, 1)}

	b.mu.Lock()
	b.pending[req.ID] = w
	b.progress.Phase = schema.PhaseWaiting
	b.progress.CurrentAsset = displayName(req)
	b.notifyLocked()
	b.mu.Unlock()

	ctx = logging.WithRequestID(ctx, req.ID)
	log := logging.LogWith(ctx, b.logger)
	log.Info("awaiting human decision",
		slog.String("type", string(req.Type)),
		slog.String("step_id", req.StepID),
		slog.Int("options", len(req.Options)))
	b.publish(schema.EventApprovalRequested, req.StepID, req.AssetID, req)
	b.publishProgress()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		if len(b.pending) == 0 && b.progress.Phase == schema.PhaseWaiting {
			b.progress.Phase = schema.PhaseRunning
		}
		b.mu.Unlock()
		b.publishProgress()
	}()

	var timeout <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case resp := <-w.ch:
		return b.accept(req, resp), resp.Regenerate, nil

	case <-timeout:
		if !b.resolve(req.ID) {
			resp := <-w.ch
			return b.accept(req, resp), resp.Regenerate, nil
		}
		log.Warn("approval timed out, selecting first option",
			slog.String("code", schema.ErrCodeApprovalTimeout),
			slog.Duration("timeout", b.timeout))
		b.publish(schema.EventApprovalTimeout, req.StepID, req.AssetID, map[string]any{"request_id": req.ID})
		return 0, false, nil

	case <-ctx.Done():
		if !b.resolve(req.ID) {
			resp := <-w.ch
			return b.accept(req, resp), resp.Regenerate, nil
		}
		return 0, false, schema.NewError(schema.ErrCodeCancelled, "approval wait cancelled").
			WithStep(req.StepID).WithAsset(req.AssetID).WithCause(ctx.Err())
	}
}

func (b *Bridge) accept(req Request, resp Response) int {
	idx := resp.Index(req.Type)
	b.publish(schema.EventApprovalResolved, req.StepID, req.AssetID, map[string]any{
		"request_id":     req.ID,
		"selected_index": idx,
		"regenerate":     resp.Regenerate,
	})
	return idx
}

// resolve marks a request answered so late responses are refused. It
// returns false when a response already won the race.
func (b *Bridge) resolve(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.pending[id]
	if !ok || w.resolved {
		return false
	}
	w.resolved = true
	return true
}

// SubmitResponse delivers resp to its waiting request. It returns false
// when the id is unknown or already answered, or when a selection index
// is out of range.
func (b *Bridge) SubmitResponse(resp Response) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.pending[resp.RequestID]
	if !ok || w.resolved {
		b.logger.Warn("response for unknown or resolved request", slog.String("request_id", resp.RequestID))
		return false
	}
	if w.req.Type == TypeSelectOne && resp.SelectedIndex != nil {
		if i := *resp.SelectedIndex; i < 0 || i >= len(w.req.Options) {
			b.logger.Warn("selection index out of range",
				slog.String("request_id", resp.RequestID),
				slog.Int("index", i),
				slog.Int("options", len(w.req.Options)))
			return false
		}
	}
	w.resolved = true
	w.ch <- resp
	return true
}

// PendingRequests returns outstanding requests, oldest first.
func (b *Bridge) PendingRequests() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, w := range b.pending {
		if !w.resolved {
			out = append(out, w.req)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Progress returns a snapshot of the run's progress.
func (b *Bridge) Progress() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress.clone()
}

// SetPhase moves the run to phase, with an optional message.
func (b *Bridge) SetPhase(phase schema.RunPhase, message string) {
	b.UpdateProgress(func(p *Progress) {
		p.Phase = phase
		if message != "" {
			p.Message = message
		}
	})
}

// UpdateProgress applies fn to the progress under the lock and broadcasts.
func (b *Bridge) UpdateProgress(fn func(p *Progress)) {
	b.mu.Lock()
	fn(&b.progress)
	b.mu.Unlock()
	b.publishProgress()
}

// StepStarted marks a step running and makes it current.
func (b *Bridge) StepStarted(stepID, kind string) {
	b.UpdateProgress(func(p *Progress) {
		p.CurrentStep = stepID
		p.CurrentStepKind = kind
		p.CurrentAsset = ""
		setStepStatus(p, stepID, schema.StepStatusRunning)
	})
}

// StepFinished records a step's terminal status.
func (b *Bridge) StepFinished(stepID string, status schema.StepStatus) {
	b.UpdateProgress(func(p *Progress) {
		setStepStatus(p, stepID, status)
		if status.Terminal() {
			p.CompletedSteps++
		}
	})
}

// AssetFinished counts one finished asset.
func (b *Bridge) AssetFinished(assetID string) {
	b.UpdateProgress(func(p *Progress) {
		p.CompletedAssets++
		p.CurrentAsset = assetID
	})
}

// AddError appends a message to the run's error list.
func (b *Bridge) AddError(msg string) {
	b.UpdateProgress(func(p *Progress) {
		p.Errors = append(p.Errors, msg)
	})
}

func setStepStatus(p *Progress, stepID string, status schema.StepStatus) {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			p.Steps[i].Status = status
			return
		}
	}
}

// watch registers for a signal whenever a new request is raised.
func (b *Bridge) watch() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextW++
	id := b.nextW
	ch := make(chan struct{}, 1)
	b.watchers[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) notifyLocked() {
	for _, ch := range b.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bridge) publishProgress() {
	snap := b.Progress()
	b.publish(schema.EventProgress, snap.CurrentStep, "", snap)
}

// publish sends to the hub; delivery failures never affect the run.
func (b *Bridge) publish(eventType, stepID, assetID string, payload any) {
	b.mu.Lock()
	runID := b.progress.RunID
	b.mu.Unlock()

	err := b.hub.Publish(context.Background(), streaming.StreamEvent{
		RunID:     runID,
		StepID:    stepID,
		AssetID:   assetID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		b.logger.Debug("event publish failed", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
