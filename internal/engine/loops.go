package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/steps"
	"github.com/rendis/artgen/pkg/schema"
)

// approvalLoop regenerates until a human approves the result or the
// attempt bound is reached, in which case the last result is accepted and
// flagged unapproved.
func (e *executorImpl) approvalLoop(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, t target, out *outcome) error {
	log := logging.LogWith(ctx, e.logger)
	limit := step.MaxAttempts
	if limit <= 0 {
		limit = e.config.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		res, err := e.invoke(ctx, run, step, t, out)
		if err != nil {
			return err
		}

		approved, err := e.askApproval(ctx, run, step, st, t, res.Output, attempt, limit)
		if err != nil {
			return err
		}
		if approved || attempt >= limit {
			if !approved {
				log.Warn("attempt limit reached, accepting unapproved result", slog.Int("attempts", attempt))
			}
			out.output = stampApproval(res.Output, approved, attempt)
			out.approved = &approved
			return nil
		}
		log.Info("result rejected, regenerating", slog.Int("attempt", attempt), slog.Int("limit", limit))
	}
}

// selectionLoop asks a human to pick one candidate, regenerating on
// request up to the regeneration bound. first, when set, is an already
// produced result whose candidates are offered before any new invocation.
func (e *executorImpl) selectionLoop(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, t target, out *outcome, first *steps.StepResult) error {
	log := logging.LogWith(ctx, e.logger)
	limit := step.MaxRegenerations
	if limit <= 0 {
		limit = e.config.MaxRegenerations
	}

	res := first
	for round := 0; ; round++ {
		if res == nil {
			var err error
			if res, err = e.invoke(ctx, run, step, t, out); err != nil {
				return err
			}
		}
		candidates := candidatesOf(res)
		if len(candidates) == 0 {
			return schema.NewError(schema.ErrCodeExecution, "step produced no candidates to select from").
				WithStep(step.ID).WithAsset(t.assetID())
		}

		idx, regenerate, err := e.askSelection(ctx, run, step, st, t, candidates, round)
		if err != nil {
			return err
		}
		if regenerate && round < limit {
			log.Info("regenerating candidates", slog.Int("round", round+1), slog.Int("limit", limit))
			res = nil
			continue
		}
		if regenerate {
			log.Warn("regeneration limit reached, selecting first candidate", slog.Int("limit", limit))
			idx = 0
		}
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
		out.output = stampSelection(res.Output, candidates[idx], idx)
		out.selected = &idx
		return nil
	}
}

func (e *executorImpl) askApproval(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, t target, output any, attempt, limit int) (bool, error) {
	if !e.human {
		logging.LogWith(ctx, e.logger).Debug("no approval bridge, approving result")
		return true, nil
	}
	release, err := run.awaitTurn(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	e.enterWaiting(ctx, run, st, step.ID)
	defer e.leaveWaiting(ctx, run, st, step.ID)

	req := e.request(step, t, []any{output})
	req.Metadata["attempt"] = attempt
	req.Metadata["max_attempts"] = limit

	stop := e.metrics.ApprovalPending()
	start := time.Now()
	approved, _, err := e.bridge.RequestApproval(ctx, req)
	stop()
	e.metrics.ApprovalWaited(string(approval.TypeApprove), time.Since(start))
	if err != nil {
		return false, err
	}
	e.events.Record(ctx, run.id, step.ID, t.assetID(), schema.EventApprovalResolved, map[string]any{
		"type":     approval.TypeApprove,
		"approved": approved,
		"attempt":  attempt,
	})
	return approved, nil
}

func (e *executorImpl) askSelection(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, t target, candidates []any, round int) (int, bool, error) {
	if !e.human {
		logging.LogWith(ctx, e.logger).Debug("no approval bridge, selecting first candidate", slog.Int("candidates", len(candidates)))
		return 0, false, nil
	}
	release, err := run.awaitTurn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()
	e.enterWaiting(ctx, run, st, step.ID)
	defer e.leaveWaiting(ctx, run, st, step.ID)

	req := e.request(step, t, candidates)
	req.Metadata["round"] = round

	stop := e.metrics.ApprovalPending()
	start := time.Now()
	idx, regenerate, err := e.bridge.RequestSelection(ctx, req)
	stop()
	e.metrics.ApprovalWaited(string(approval.TypeSelectOne), time.Since(start))
	if err != nil {
		return 0, false, err
	}
	e.events.Record(ctx, run.id, step.ID, t.assetID(), schema.EventApprovalResolved, map[string]any{
		"type":           approval.TypeSelectOne,
		"selected_index": idx,
		"regenerate":     regenerate,
		"round":          round,
	})
	return idx, regenerate, nil
}

func (e *executorImpl) request(step *schema.StepSpec, t target, options []any) approval.Request {
	req := approval.Request{
		StepID:      step.ID,
		StepKind:    step.Kind,
		Options:     options,
		Description: step.Description,
		Metadata:    map[string]any{},
	}
	if t.asset != nil {
		req.AssetID = t.asset.ID()
		req.AssetName = t.asset.Name()
		req.Metadata["asset_index"] = t.index
		req.Metadata["total_assets"] = t.total
	}
	if prompt, ok := step.Config["prompt"].(string); ok {
		req.GenerationPrompt = prompt
	}
	return req
}

// enterWaiting moves the step to awaiting_approval when its first
// outstanding request is raised.
func (e *executorImpl) enterWaiting(ctx context.Context, run *pipelineRun, st *stepTracker, stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.waiting++
	if st.status == schema.StepStatusRunning {
		e.moveLocked(ctx, run, st, stepID, schema.StepStatusAwaitingApproval, nil)
	}
}

// leaveWaiting returns the step to running once no request is outstanding.
func (e *executorImpl) leaveWaiting(ctx context.Context, run *pipelineRun, st *stepTracker, stepID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.waiting--
	if st.waiting == 0 && st.status == schema.StepStatusAwaitingApproval {
		e.moveLocked(ctx, run, st, stepID, schema.StepStatusRunning, nil)
	}
}

// candidatesOf returns the result's candidates, or its output as the only
// candidate.
func candidatesOf(res *steps.StepResult) []any {
	if len(res.Candidates) > 0 {
		return res.Candidates
	}
	if res.Output == nil {
		return nil
	}
	return []any{res.Output}
}

// asMap copies a map output, or wraps any other output under "content".
func asMap(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		return schema.DeepCopy(m).(map[string]any)
	}
	return map[string]any{"content": output}
}

func stampApproval(output any, approved bool, attempts int) map[string]any {
	m := asMap(output)
	m["approved"] = approved
	m["attempts"] = attempts
	return m
}

func stampSelection(output, candidate any, idx int) map[string]any {
	m := asMap(output)
	m["selected"] = schema.DeepCopy(candidate)
	m["selected_index"] = idx
	m["selected_path"] = candidatePath(candidate)
	return m
}

// candidatePath is the candidate itself when it is a string (usually a
// file path), or its "path" field.
func candidatePath(candidate any) string {
	switch c := candidate.(type) {
	case string:
		return c
	case map[string]any:
		if p, ok := c["path"].(string); ok {
			return p
		}
	}
	return ""
}
