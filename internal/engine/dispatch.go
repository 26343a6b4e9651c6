package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/assets"
	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/steps"
	"github.com/rendis/artgen/pkg/schema"
)

// target is what one invocation works on. A nil asset means a global step.
type target struct {
	asset schema.AssetRecord
	index int
	total int
}

func (t target) assetID() string {
	if t.asset == nil {
		return ""
	}
	return t.asset.ID()
}

// outcome is the accepted result of a step (or of one asset), after any
// approval or selection. invocations counts every executor call, retries
// included.
type outcome struct {
	output      any
	files       []string
	cost        float64
	invocations int
	approved    *bool
	selected    *int
}

// stepTracker holds a step's lifecycle status. Per-asset steps share one
// tracker across asset workers.
type stepTracker struct {
	mu      sync.Mutex
	status  schema.StepStatus
	waiting int
}

// move transitions the step. Ledger write failures are logged and the
// transition stands.
func (e *executorImpl) move(ctx context.Context, run *pipelineRun, st *stepTracker, stepID string, to schema.StepStatus, payload any) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e.moveLocked(ctx, run, st, stepID, to, payload)
}

func (e *executorImpl) moveLocked(ctx context.Context, run *pipelineRun, st *stepTracker, stepID string, to schema.StepStatus, payload any) {
	err := e.fsm.TransitionWith(ctx, run.id, stepID, st.status, to, payload)
	if err != nil && !schema.IsCode(err, schema.ErrCodeStore) {
		logging.LogWith(ctx, e.logger).Error("step transition rejected",
			slog.String("from", string(st.status)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return
	}
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("step event not recorded", slog.String("error", err.Error()))
	}
	st.status = to
}

// runStep executes one step to a terminal status. The returned error means
// the run must stop: a global step failed or the run was cancelled.
func (e *executorImpl) runStep(ctx context.Context, run *pipelineRun, step *schema.StepSpec) error {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := e.tracer.Start(ctx, "artgen.step", trace.WithAttributes(
		attribute.String("artgen.step", step.ID),
		attribute.String("artgen.kind", step.Kind),
		attribute.Bool("artgen.per_asset", step.PerAsset()),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	start := time.Now()
	report := &StepReport{StepID: step.ID, Kind: step.Kind, Status: schema.StepStatusPending}
	run.report(report)
	st := &stepTracker{status: schema.StepStatusPending}
	if step.Alias != "" {
		run.scope.SetAlias(step.Alias, step.ID)
	}

	if step.Condition != "" && !e.evaluator.EvaluateCondition(ctx, step.Condition, run.scope.ConditionScope(), e.logger) {
		log.Info("step skipped", slog.String("condition", step.Condition))
		e.move(ctx, run, st, step.ID, schema.StepStatusSkipped, map[string]any{"condition": step.Condition})
		if err := run.scope.SetStepOutput(step.ID, nil); err != nil {
			log.Warn("recording skipped output failed", slog.String("error", err.Error()))
		}
		run.update(func(res *ExecutionResult) {
			report.Status = schema.StepStatusSkipped
			res.Skipped++
		})
		e.metrics.StepFinished(step.Kind, string(schema.StepStatusSkipped))
		return nil
	}

	e.move(ctx, run, st, step.ID, schema.StepStatusRunning, map[string]any{"kind": step.Kind, "per_asset": step.PerAsset()})
	e.bridge.StepStarted(step.ID, step.Kind)
	log.Info("step started", slog.String("kind", step.Kind))

	var err error
	if step.PerAsset() {
		err = e.runPerAsset(ctx, run, step, st, report)
	} else {
		err = e.runGlobal(ctx, run, step, st, report)
	}
	elapsed := time.Since(start)

	status := schema.StepStatusComplete
	if err != nil {
		status = schema.StepStatusFailed
	}
	payload := map[string]any{"duration_ms": elapsed.Milliseconds(), "cached": report.Cached}
	if err != nil {
		payload["error"] = err.Error()
		payload["code"] = schema.CodeOf(err)
	}
	e.move(ctx, run, st, step.ID, status, payload)
	e.metrics.StepFinished(step.Kind, string(status))

	run.update(func(res *ExecutionResult) {
		report.Status = status
		report.DurationMs = elapsed.Milliseconds()
		switch {
		case err != nil:
			report.Error = err.Error()
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", step.ID, err.Error()))
		case report.Cached:
			res.Completed++
			res.Cached++
		default:
			res.Completed++
		}
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.bridge.AddError(fmt.Sprintf("%s: %s", step.ID, err.Error()))
		log.Error("step failed",
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()),
			slog.Int64("duration_ms", elapsed.Milliseconds()))
		if step.PerAsset() && !schema.IsCode(err, schema.ErrCodeCancelled) {
			return nil
		}
		return err
	}
	log.Info("step completed",
		slog.Bool("cached", report.Cached),
		slog.Int64("duration_ms", elapsed.Milliseconds()))
	return nil
}

func (e *executorImpl) runGlobal(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, report *StepReport) error {
	log := logging.LogWith(ctx, e.logger)
	policy := step.EffectiveCache()

	if run.cache.ShouldSkip(policy, step.ID, "") {
		if data, ok := run.cache.Get(step.ID, ""); ok {
			e.metrics.CacheLookup(true)
			log.Debug("using cached output")
			e.events.Record(ctx, run.id, step.ID, "", schema.EventStepCached, nil)
			report.Cached = true
			return e.record(ctx, run, step, report, "", data)
		}
	}
	if policy != schema.CacheOff {
		e.metrics.CacheLookup(false)
	}

	out, err := e.produce(ctx, run, step, st, target{})
	if out != nil {
		run.addCost(out.cost)
		run.update(func(*ExecutionResult) {
			report.Attempts = out.invocations
			report.CostUSD = out.cost
			report.Approved = out.approved
			report.SelectedIndex = out.selected
		})
	}
	if err != nil {
		return err
	}
	e.save(ctx, run, step, "", out)
	return e.record(ctx, run, step, report, "", out.output)
}

func (e *executorImpl) runPerAsset(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, report *StepReport) error {
	log := logging.LogWith(ctx, e.logger)
	name := step.Collection()
	run.scope.MarkPerAsset(step.ID)
	report.Assets = make(map[string]*AssetReport)

	recs, _ := run.assets.Get(name)
	if len(recs) == 0 {
		log.Debug("collection is empty, nothing to do", slog.String("collection", name))
		return nil
	}
	e.bridge.UpdateProgress(func(p *approval.Progress) { p.TotalAssets += len(recs) })

	policy := step.EffectiveCache()
	pending := make([]int, 0, len(recs))
	cached := 0
	for i, rec := range recs {
		id := rec.ID()
		if run.cache.ShouldSkip(policy, step.ID, id) {
			if data, ok := run.cache.Get(step.ID, id); ok {
				e.metrics.CacheLookup(true)
				e.events.Record(ctx, run.id, step.ID, id, schema.EventAssetCached, nil)
				if err := e.record(ctx, run, step, report, id, data); err != nil {
					log.Warn("restoring cached asset output failed", slog.String("asset_id", id), slog.String("error", err.Error()))
				}
				run.update(func(*ExecutionResult) {
					report.Assets[id] = &AssetReport{AssetID: id, Name: rec.Name(), Status: schema.StepStatusComplete, Cached: true}
				})
				e.metrics.AssetFinished(step.ID, "cached")
				e.bridge.AssetFinished(id)
				cached++
				continue
			}
		}
		if policy != schema.CacheOff {
			e.metrics.CacheLookup(false)
		}
		pending = append(pending, i)
	}

	log.Info("processing assets",
		slog.String("collection", name),
		slog.Int("total", len(recs)),
		slog.Int("cached", cached),
		slog.Int("pending", len(pending)))
	if len(pending) == 0 {
		report.Cached = true
		return e.createFromAssets(ctx, run, step, report, recs)
	}

	size := e.config.AssetParallelism
	if step.Interactive() {
		size = 1
	}
	pool := NewWorkerPool(size, e.metrics)
	pool.OnPanic(func(assetID string, r any) {
		logging.LogWith(ctx, e.logger).Error("asset worker panicked",
			slog.String("asset_id", assetID), slog.String("error", panicError(r).Error()))
	})
	for _, i := range pending {
		t := target{asset: recs[i], index: i, total: len(recs)}
		err := pool.Go(ctx, t.assetID(), func(ctx context.Context) error {
			return e.runAsset(ctx, run, step, st, report, t)
		})
		if err != nil {
			break
		}
	}
	stats := pool.Close()

	if ctx.Err() != nil {
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.ID).WithCause(ctx.Err())
	}
	if stats.Failed == int64(len(pending)) {
		return schema.NewErrorf(schema.ErrCodeExecution, "all %d assets failed", stats.Failed).WithStep(step.ID)
	}
	return e.createFromAssets(ctx, run, step, report, recs)
}

// runAsset produces and records one asset. Its failure is counted on the
// run and never aborts sibling assets.
func (e *executorImpl) runAsset(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, report *StepReport, t target) error {
	id := t.assetID()
	ctx = logging.WithAssetID(ctx, id)
	ctx, span := e.tracer.Start(ctx, "artgen.asset", trace.WithAttributes(
		attribute.String("artgen.step", step.ID),
		attribute.String("artgen.asset", id),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	start := time.Now()
	ar := &AssetReport{AssetID: id, Name: t.asset.Name(), Status: schema.StepStatusRunning}
	run.update(func(*ExecutionResult) { report.Assets[id] = ar })

	out, err := e.produce(ctx, run, step, st, t)
	if err == nil {
		e.save(ctx, run, step, id, out)
		err = e.record(ctx, run, step, report, id, out.output)
	}
	elapsed := time.Since(start)
	if out != nil {
		run.addCost(out.cost)
	}

	run.update(func(res *ExecutionResult) {
		ar.DurationMs = elapsed.Milliseconds()
		if out != nil {
			ar.Attempts = out.invocations
			ar.CostUSD = out.cost
			ar.Approved = out.approved
			ar.SelectedIndex = out.selected
			report.Attempts += out.invocations
			report.CostUSD += out.cost
		}
		if err != nil {
			ar.Status = schema.StepStatusFailed
			ar.Error = err.Error()
			res.FailedAssets++
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %s", step.ID, id, err.Error()))
			return
		}
		ar.Status = schema.StepStatusComplete
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.bridge.AddError(fmt.Sprintf("%s/%s: %s", step.ID, id, err.Error()))
		e.events.Record(ctx, run.id, step.ID, id, schema.EventAssetFailed, map[string]any{
			"error": err.Error(),
			"code":  schema.CodeOf(err),
		})
		e.metrics.AssetFinished(step.ID, "failed")
		log.Error("asset failed", slog.String("code", schema.CodeOf(err)), slog.String("error", err.Error()))
		return err
	}
	e.events.Record(ctx, run.id, step.ID, id, schema.EventAssetCompleted, map[string]any{
		"duration_ms": elapsed.Milliseconds(),
		"attempts":    out.invocations,
	})
	e.metrics.AssetFinished(step.ID, "complete")
	e.bridge.AssetFinished(id)
	log.Debug("asset completed", slog.Int64("duration_ms", elapsed.Milliseconds()))
	return nil
}

// produce invokes the step and runs whichever human loop it calls for.
func (e *executorImpl) produce(ctx context.Context, run *pipelineRun, step *schema.StepSpec, st *stepTracker, t target) (*outcome, error) {
	out := &outcome{}
	switch {
	case step.Approval == schema.ApprovalUntilApproved:
		return out, e.approvalLoop(ctx, run, step, st, t, out)
	case step.Approval == schema.ApprovalUserSelect || step.Variations > 1:
		return out, e.selectionLoop(ctx, run, step, st, t, out, nil)
	}

	res, err := e.invoke(ctx, run, step, t, out)
	if err != nil {
		return out, err
	}
	if len(res.Candidates) > 1 {
		return out, e.selectionLoop(ctx, run, step, st, t, out, res)
	}
	out.output = res.Output
	return out, nil
}

// save writes an accepted result to the cache. A failed write costs a
// future rerun, not this one.
func (e *executorImpl) save(ctx context.Context, run *pipelineRun, step *schema.StepSpec, assetID string, out *outcome) {
	if step.EffectiveCache() == schema.CacheOff {
		return
	}
	if err := run.cache.Put(step.ID, assetID, out.output, out.files, out.cost); err != nil {
		logging.LogWith(ctx, e.logger).Warn("cache write failed",
			slog.String("code", schema.ErrCodeCache),
			slog.String("error", err.Error()))
		run.warn(fmt.Sprintf("%s: cache write failed: %s", step.ID, err.Error()))
	}
}

// record publishes an output to later steps: the step's own output, its
// alias and, for global steps that create a collection, the extracted
// assets.
func (e *executorImpl) record(ctx context.Context, run *pipelineRun, step *schema.StepSpec, report *StepReport, assetID string, output any) error {
	if assetID != "" {
		if err := run.scope.SetAssetOutput(step.ID, assetID, output); err != nil {
			return err
		}
		if step.Alias != "" {
			run.assets.SetField(assetID, step.Alias, output)
		}
		return nil
	}
	if err := run.scope.SetStepOutput(step.ID, output); err != nil {
		return err
	}
	if step.Creates != "" {
		e.createCollection(ctx, run, step, report, []any{output})
	}
	return nil
}

// createFromAssets extracts a collection from every asset output of a
// per-asset step that declares creates, in collection order.
func (e *executorImpl) createFromAssets(ctx context.Context, run *pipelineRun, step *schema.StepSpec, report *StepReport, recs []schema.AssetRecord) error {
	if step.Creates == "" {
		return nil
	}
	all := run.scope.StepOutputs()
	perAsset := run.scope.PerAssetSteps()
	values := make([]any, 0, len(recs))
	for _, rec := range recs {
		if v := expressions.AssetAwareOutputs(all, perAsset, rec.ID())[step.ID]; v != nil {
			values = append(values, v)
		}
	}
	e.createCollection(ctx, run, step, report, values)
	return nil
}

func (e *executorImpl) createCollection(ctx context.Context, run *pipelineRun, step *schema.StepSpec, report *StepReport, outputs []any) {
	log := logging.LogWith(ctx, e.logger)
	name := schema.CollectionName(step.Creates)

	var created []schema.AssetRecord
	for _, out := range outputs {
		recs, err := e.extractor.Extract(ctx, out, step.Extract)
		if err != nil {
			log.Warn("asset extraction failed, creating no assets from this output",
				slog.String("collection", name),
				slog.String("error", err.Error()))
			run.warn(fmt.Sprintf("%s: could not extract %s: %s", step.ID, name, err.Error()))
			continue
		}
		created = append(created, recs...)
	}
	if len(outputs) > 1 {
		assets.AssignIDs(created)
	}

	run.assets.Set(name, created)
	run.update(func(*ExecutionResult) { report.Created = len(created) })
	e.events.Record(ctx, run.id, step.ID, "", schema.EventCollectionCreated, map[string]any{
		"collection": name,
		"count":      len(created),
	})
	log.Info("collection created", slog.String("collection", name), slog.Int("count", len(created)))
}

// invoke renders the step config and calls its executor under the
// circuit breaker, rate limiter and retry policy. Calls and cost are
// accumulated on out.
func (e *executorImpl) invoke(ctx context.Context, run *pipelineRun, step *schema.StepSpec, t target, out *outcome) (*steps.StepResult, error) {
	log := logging.LogWith(ctx, e.logger)
	exec, err := e.steps.Get(step.Kind)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unregistered step kind %q", step.Kind).
			WithStep(step.ID).WithCause(err)
	}

	var scope *expressions.Scope
	if t.asset != nil {
		scope = run.scope.ForAsset(t.asset)
	} else {
		scope = run.scope.Build()
	}
	rendered, err := expressions.SubstituteAll(step.Config, scope)
	if err != nil {
		if schema.CodeOf(err) != "" {
			return nil, scoped(err, step.ID, t.assetID())
		}
		return nil, schema.NewError(schema.ErrCodeTemplate, err.Error()).WithStep(step.ID).WithCause(err)
	}
	config, _ := rendered.(map[string]any)
	if config == nil {
		config = make(map[string]any)
	}
	config[steps.KeyStepID] = step.ID
	config[steps.KeyVariations] = max(step.Variations, 1)

	ec := steps.ExecContext{
		RunID:        run.id,
		PipelineName: run.spec.Name,
		StepID:       step.ID,
		StateDir:     run.stateDir,
		Context:      run.scope.Context(),
		StepOutputs:  run.scope.StepOutputs(),
		Asset:        t.asset,
		AssetIndex:   t.index,
		TotalAssets:  t.total,
	}

	key := step.Provider
	if key == "" {
		key = step.Kind
	}
	if err := e.breakers.Allow(key); err != nil {
		e.events.Record(ctx, run.id, step.ID, t.assetID(), schema.EventCircuitOpen, map[string]any{"provider": key})
		return nil, scoped(err, step.ID, t.assetID())
	}

	handle := e.bridge.StartGenerating(step.ID, t.assetID())
	defer e.bridge.StopGenerating(handle)

	policy := PolicyFromSpec(e.retry, step.Retry)
	timeout := e.config.InvocationTimeout
	if d, perr := time.ParseDuration(step.Timeout); perr == nil && d > 0 {
		timeout = d
	}

	var res *steps.StepResult
	err = Retry(ctx, policy, func(ctx context.Context, _ int) error {
		if step.Provider != "" {
			wait, err := e.limits.Acquire(ctx, step.Provider, 1)
			if err != nil {
				return schema.NewError(schema.ErrCodeCancelled, "rate limit wait cancelled").WithStep(step.ID).WithCause(err)
			}
			if wait > 0 {
				e.metrics.RateLimited(step.Provider, wait)
				log.Debug("rate limited", slog.String("provider", step.Provider), slog.Duration("waited", wait))
			}
		}
		ec.Attempt = out.invocations
		out.invocations++
		r, err := e.call(ctx, exec, schema.DeepCopy(config).(map[string]any), ec, timeout)
		if err != nil {
			return err
		}
		out.cost += r.CostUSD
		out.files = r.OutputFiles
		res = r
		return nil
	}, func(n int, err error, delay time.Duration) {
		code := schema.CodeOf(err)
		e.metrics.Retry(step.Kind, code)
		e.events.Record(ctx, run.id, step.ID, t.assetID(), schema.EventStepRetrying, map[string]any{
			"attempt": n + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		log.Warn("invocation failed, retrying",
			slog.Int("attempt", n+1),
			slog.Duration("delay", delay),
			slog.String("code", code),
			slog.String("error", err.Error()))
	})

	if err != nil {
		if e.breakers.Failure(key, err) {
			e.events.Record(ctx, run.id, step.ID, t.assetID(), schema.EventCircuitOpen, e.breakers.Snapshot(key))
			log.Warn("circuit opened", slog.String("provider", key))
		}
		return nil, scoped(err, step.ID, t.assetID())
	}
	e.breakers.Success(key)
	return res, nil
}

// scoped stamps a typed error with the step and asset it belongs to.
func scoped(err error, stepID, assetID string) error {
	var pe *schema.PipelineError
	if !errors.As(err, &pe) {
		return err
	}
	if pe.StepID == "" {
		pe.WithStep(stepID)
	}
	if pe.AssetID == "" && assetID != "" {
		pe.WithAsset(assetID)
	}
	return err
}

// call runs the executor once, turning panics, deadlines and reported
// failures into typed errors.
func (e *executorImpl) call(ctx context.Context, exec steps.StepExecutor, config map[string]any, ec steps.ExecContext, timeout time.Duration) (res *steps.StepResult, err error) {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewError(schema.ErrCodeExecution, "step executor panicked").WithCause(panicError(r))
		}
		e.metrics.Invocation(exec.Kind(), time.Since(start))
	}()

	res, err = exec.Execute(ctx, config, ec)
	switch {
	case err != nil && parent.Err() != nil:
		return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithCause(err)
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).WithCause(err)
	case err != nil:
		var pe *schema.PipelineError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, schema.NewError(ClassifyError(err), err.Error()).WithCause(err)
	case res == nil:
		return nil, schema.NewError(schema.ErrCodeExecution, "step executor returned no result")
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "step executor reported failure"
		}
		return nil, schema.NewError(schema.ErrCodeExecution, msg)
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}
