package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/assets"
	"github.com/rendis/artgen/internal/cache"
	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/metrics"
	"github.com/rendis/artgen/internal/ratelimit"
	"github.com/rendis/artgen/internal/steps"
	"github.com/rendis/artgen/internal/store"
	"github.com/rendis/artgen/internal/tracing"
	"github.com/rendis/artgen/internal/validation"
	"github.com/rendis/artgen/pkg/schema"
)

// Executor runs pipelines.
type Executor interface {
	// Run validates and plans spec, then executes it tier by tier over the
	// given collections. It returns an error only when the pipeline cannot
	// start; step and asset failures are reported in the result.
	Run(ctx context.Context, spec *schema.PipelineSpec, collections schema.Collections) (*ExecutionResult, error)

	// Plan returns the execution plan for spec without running anything.
	Plan(spec *schema.PipelineSpec) (*Plan, error)
}

// ExecutionResult is the outcome of one run.
type ExecutionResult struct {
	RunID        string                 `json:"run_id"`
	Pipeline     string                 `json:"pipeline"`
	Success      bool                   `json:"success"`
	Cancelled    bool                   `json:"cancelled,omitempty"`
	Completed    int                    `json:"completed"`
	Skipped      int                    `json:"skipped"`
	Cached       int                    `json:"cached"`
	Failed       int                    `json:"failed"`
	FailedAssets int                    `json:"failed_assets"`
	Errors       []string               `json:"errors,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Steps        map[string]*StepReport `json:"steps"`
	Collections  schema.Collections     `json:"collections,omitempty"`
	Outputs      map[string]any         `json:"outputs,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	CostUSD      float64                `json:"cost_usd"`
}

// StepReport summarizes one step.
type StepReport struct {
	StepID        string                  `json:"step_id"`
	Kind          string                  `json:"kind"`
	Status        schema.StepStatus       `json:"status"`
	Cached        bool                    `json:"cached,omitempty"`
	Attempts      int                     `json:"attempts,omitempty"`
	Approved      *bool                   `json:"approved,omitempty"`
	SelectedIndex *int                    `json:"selected_index,omitempty"`
	Assets        map[string]*AssetReport `json:"assets,omitempty"`
	Created       int                     `json:"created,omitempty"`
	Error         string                  `json:"error,omitempty"`
	DurationMs    int64                   `json:"duration_ms"`
	CostUSD       float64                 `json:"cost_usd,omitempty"`
}

// AssetReport summarizes one asset of a per-asset step.
type AssetReport struct {
	AssetID       string            `json:"asset_id"`
	Name          string            `json:"name,omitempty"`
	Status        schema.StepStatus `json:"status"`
	Cached        bool              `json:"cached,omitempty"`
	Attempts      int               `json:"attempts,omitempty"`
	Approved      *bool             `json:"approved,omitempty"`
	SelectedIndex *int              `json:"selected_index,omitempty"`
	Error         string            `json:"error,omitempty"`
	DurationMs    int64             `json:"duration_ms"`
	CostUSD       float64           `json:"cost_usd,omitempty"`
}

const (
	DefaultTierParallelism  = 4
	DefaultAssetParallelism = 4
	DefaultMaxAttempts      = 3
	DefaultMaxRegenerations = 3
	DefaultStateRoot        = ".artgen"
)

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	TierParallelism  int // concurrent steps within a tier
	AssetParallelism int // concurrent assets within a per-asset step
	// StateRoot holds one cache directory per pipeline unless the
	// pipeline sets its own state_dir.
	StateRoot         string
	RetryPolicy       *RetryPolicy          // nil = DefaultRetryPolicy
	CircuitBreaker    *CircuitBreakerConfig // nil = defaults
	InvocationTimeout time.Duration         // per executor call; a step timeout overrides it
	MaxAttempts       int                   // until_approved bound
	MaxRegenerations  int                   // selection regeneration bound
}

// Dependencies are the collaborators an executor works with. Only Steps
// is required.
type Dependencies struct {
	Steps *steps.Registry
	// Bridge routes human decisions. Nil auto-accepts the first option.
	Bridge  *approval.Bridge
	Limits  *ratelimit.Registry
	Ledger  store.Store
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	steps     *steps.Registry
	bridge    *approval.Bridge
	human     bool
	limits    *ratelimit.Registry
	ledger    store.Store
	events    *store.EventLog
	fsm       *StepFSM
	breakers  *ProviderBreakers
	evaluator *expressions.Evaluator
	extractor *assets.Extractor
	validator *validation.PipelineValidator
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	retry     RetryPolicy
	config    ExecutorConfig
}

// NewExecutor creates an Executor.
func NewExecutor(deps Dependencies, cfg ExecutorConfig) (Executor, error) {
	if deps.Steps == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "executor needs a step registry")
	}
	if cfg.TierParallelism <= 0 {
		cfg.TierParallelism = DefaultTierParallelism
	}
	if cfg.AssetParallelism <= 0 {
		cfg.AssetParallelism = DefaultAssetParallelism
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxRegenerations <= 0 {
		cfg.MaxRegenerations = DefaultMaxRegenerations
	}
	if cfg.StateRoot == "" {
		cfg.StateRoot = DefaultStateRoot
	}

	logger := logging.OrDefault(deps.Logger)
	validator, err := validation.NewPipelineValidator(deps.Steps)
	if err != nil {
		return nil, err
	}

	retry := DefaultRetryPolicy()
	if cfg.RetryPolicy != nil {
		retry = *cfg.RetryPolicy
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	bridge := deps.Bridge
	if bridge == nil {
		bridge = approval.NewBridge(approval.Config{Logger: logger})
	}
	limits := deps.Limits
	if limits == nil {
		limits = ratelimit.NewRegistry()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	events := store.NewEventLog(deps.Ledger, logger)
	fsm := NewStepFSM(events)
	for _, to := range []schema.StepStatus{schema.StepStatusComplete, schema.StepStatusFailed, schema.StepStatusSkipped} {
		fsm.OnEnter(to, func(stepID string, _, to schema.StepStatus) error {
			bridge.StepFinished(stepID, to)
			return nil
		})
	}
	return &executorImpl{
		steps:     deps.Steps,
		bridge:    bridge,
		human:     deps.Bridge != nil,
		limits:    limits,
		ledger:    deps.Ledger,
		events:    events,
		fsm:       fsm,
		breakers:  NewProviderBreakers(cbConfig, deps.Metrics),
		evaluator: expressions.NewEvaluator(),
		extractor: assets.NewExtractor(logger),
		validator: validator,
		metrics:   deps.Metrics,
		tracer:    tracer,
		logger:    logger,
		retry:     retry,
		config:    cfg,
	}, nil
}

// pipelineRun tracks a single in-flight run.
type pipelineRun struct {
	id       string
	spec     *schema.PipelineSpec
	plan     *Plan
	stateDir string
	cache    *cache.Store
	scope    *expressions.ScopeBuilder
	assets   *assets.Store
	// prompt holds one token per outstanding human request.
	prompt chan struct{}

	mu        sync.Mutex // guards result and cost
	result    *ExecutionResult
	cost      float64
	cancelled bool
}

func (r *pipelineRun) report(rep *StepReport) {
	r.mu.Lock()
	r.result.Steps[rep.StepID] = rep
	r.mu.Unlock()
}

// awaitTurn blocks until no other request of the run is before a human.
func (r *pipelineRun) awaitTurn(ctx context.Context) (release func(), err error) {
	select {
	case r.prompt <- struct{}{}:
		return func() { <-r.prompt }, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled waiting for reviewer").WithCause(ctx.Err())
	}
}

func (r *pipelineRun) update(fn func(res *ExecutionResult)) {
	r.mu.Lock()
	fn(r.result)
	r.mu.Unlock()
}

func (r *pipelineRun) addCost(c float64) {
	if c == 0 {
		return
	}
	r.mu.Lock()
	r.cost += c
	r.mu.Unlock()
}

func (r *pipelineRun) warn(msg string) {
	r.update(func(res *ExecutionResult) { res.Warnings = append(res.Warnings, msg) })
}

// Plan builds the execution plan for spec.
func (e *executorImpl) Plan(spec *schema.PipelineSpec) (*Plan, error) {
	return BuildPlan(spec)
}

// Run executes spec over collections.
func (e *executorImpl) Run(ctx context.Context, spec *schema.PipelineSpec, collections schema.Collections) (*ExecutionResult, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline spec is nil")
	}
	start := time.Now()
	runID := uuid.New().String()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "artgen.run", trace.WithAttributes(
		attribute.String("artgen.pipeline", spec.Name),
		attribute.String("artgen.run_id", runID),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	e.bridge.Begin(runID, spec)

	loaded := make(schema.Collections, len(collections))
	names := make([]string, 0, len(collections))
	for name, recs := range collections {
		loaded[name] = recs
		names = append(names, name)
	}
	sort.Strings(names)

	vr := e.validator.Validate(spec, names)
	if !vr.Valid() {
		err := vr.ToError()
		e.abortStart(ctx, span, err)
		return nil, err
	}
	plan, err := BuildPlan(spec)
	if err != nil {
		e.abortStart(ctx, span, err)
		return nil, err
	}

	stateDir := e.stateDir(spec)
	cacheStore, err := cache.Open(stateDir, e.logger)
	if err != nil {
		e.abortStart(ctx, span, err)
		return nil, err
	}

	run := &pipelineRun{
		id:       runID,
		spec:     spec,
		plan:     plan,
		stateDir: stateDir,
		cache:    cacheStore,
		scope:    expressions.NewScopeBuilder(spec.Context),
		assets:   assets.NewStore(loaded),
		prompt:   make(chan struct{}, 1),
		result: &ExecutionResult{
			RunID:    runID,
			Pipeline: spec.Name,
			Steps:    make(map[string]*StepReport, len(plan.Steps)),
			Warnings: vr.WarningMessages(),
		},
	}

	hash := spec.Hash()
	changed, err := cacheStore.CheckSpecChanged(hash)
	if err != nil {
		log.Warn("recording pipeline hash failed", slog.String("code", schema.CodeOf(err)), slog.String("error", err.Error()))
	}
	if changed {
		log.Warn("pipeline changed since the last run, cached outputs are kept", slog.String("spec_hash", hash))
		run.warn("pipeline changed since the last run; cached outputs are reused")
		e.events.Record(ctx, runID, "", "", schema.EventSpecChanged, map[string]any{"spec_hash": hash})
	}

	if e.ledger != nil {
		if err := e.ledger.CreateRun(ctx, &store.Run{
			ID:        runID,
			Pipeline:  spec.Name,
			SpecHash:  hash,
			Status:    schema.RunStatusRunning,
			StartedAt: start.UTC(),
		}); err != nil {
			log.Warn("ledger create run failed", slog.String("code", schema.ErrCodeStore), slog.String("error", err.Error()))
		}
	}
	e.events.Record(ctx, runID, "", "", schema.EventRunStarted, map[string]any{
		"pipeline":  spec.Name,
		"spec_hash": hash,
		"tiers":     plan.Tiers,
		"state_dir": stateDir,
	})

	log.Info("pipeline started",
		slog.String("pipeline", spec.Name),
		slog.Int("steps", len(plan.Steps)),
		slog.Int("tiers", len(plan.Tiers)),
		slog.String("state_dir", stateDir))
	e.bridge.SetPhase(schema.PhaseRunning, "")

	aborted := e.executeTiers(ctx, run)
	result := e.finish(ctx, run, aborted, time.Since(start))
	if !result.Success {
		span.SetStatus(codes.Error, "pipeline failed")
	}
	span.SetAttributes(
		attribute.Bool("artgen.success", result.Success),
		attribute.Float64("artgen.cost_usd", result.CostUSD),
	)
	return result, nil
}

// abortStart reports a run that never reached its first tier.
func (e *executorImpl) abortStart(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.bridge.AddError(err.Error())
	e.bridge.SetPhase(schema.PhaseFailed, err.Error())
	logging.LogWith(ctx, e.logger).Error("pipeline rejected", slog.String("code", schema.CodeOf(err)), slog.String("error", err.Error()))
}

func (e *executorImpl) stateDir(spec *schema.PipelineSpec) string {
	if spec.StateDir != "" {
		return spec.StateDir
	}
	name := assets.Slug(spec.Name)
	if name == "" {
		name = "pipeline"
	}
	return filepath.Join(e.config.StateRoot, name)
}

// executeTiers walks the plan and reports whether a step failure aborted
// the run.
func (e *executorImpl) executeTiers(ctx context.Context, run *pipelineRun) bool {
	for i, tier := range run.plan.Tiers {
		if ctx.Err() != nil {
			run.cancelled = true
			return false
		}
		tctx, span := e.tracer.Start(ctx, "artgen.tier", trace.WithAttributes(
			attribute.Int("artgen.tier", i),
			attribute.StringSlice("artgen.steps", tier),
		))
		failed := e.executeTier(tctx, run, tier)
		span.End()
		if failed {
			return true
		}
	}
	if ctx.Err() != nil {
		run.cancelled = true
	}
	return false
}

func (e *executorImpl) executeTier(ctx context.Context, run *pipelineRun, tier []string) bool {
	if len(tier) == 1 {
		return e.runStep(ctx, run, run.plan.Steps[tier[0]]) != nil
	}

	size := e.config.TierParallelism
	if run.plan.Interactive(tier) {
		size = 1
	}
	pool := NewWorkerPool(size, e.metrics)
	pool.OnPanic(func(stepID string, r any) {
		logging.LogWith(ctx, e.logger).Error("step worker panicked",
			slog.String("step_id", stepID), slog.String("error", panicError(r).Error()))
	})
	for _, id := range tier {
		step := run.plan.Steps[id]
		if err := pool.Go(ctx, id, func(ctx context.Context) error {
			return e.runStep(ctx, run, step)
		}); err != nil {
			break
		}
	}
	return pool.Close().Failed > 0
}

// finish assembles the result and closes the run everywhere it was
// announced.
func (e *executorImpl) finish(ctx context.Context, run *pipelineRun, aborted bool, elapsed time.Duration) *ExecutionResult {
	log := logging.LogWith(ctx, e.logger)

	run.mu.Lock()
	res := run.result
	for _, id := range run.plan.Sorted {
		if _, ok := res.Steps[id]; !ok {
			res.Steps[id] = &StepReport{StepID: id, Kind: run.plan.Steps[id].Kind, Status: schema.StepStatusPending}
		}
	}
	res.Cancelled = run.cancelled
	if run.cancelled {
		res.Errors = append(res.Errors, "run cancelled")
	}
	res.CostUSD = run.cost
	res.DurationMs = elapsed.Milliseconds()
	res.Success = !aborted && !run.cancelled && res.Failed == 0 && res.FailedAssets == 0
	run.mu.Unlock()

	res.Collections = run.assets.Snapshot()
	res.Outputs = run.scope.StepOutputs()

	status := schema.RunStatusCompleted
	phase := schema.PhaseComplete
	eventType := schema.EventRunCompleted
	switch {
	case run.cancelled:
		status, phase, eventType = schema.RunStatusCancelled, schema.PhaseFailed, schema.EventRunFailed
	case !res.Success:
		status, phase, eventType = schema.RunStatusFailed, schema.PhaseFailed, schema.EventRunFailed
	}

	message := fmt.Sprintf("%d completed, %d skipped, %d failed", res.Completed, res.Skipped, res.Failed)
	e.bridge.UpdateProgress(func(p *approval.Progress) { p.CostUSD = res.CostUSD })
	e.bridge.SetPhase(phase, message)
	e.metrics.RunFinished(res.Pipeline, string(status), elapsed, res.CostUSD)

	summary := map[string]any{
		"success":       res.Success,
		"completed":     res.Completed,
		"skipped":       res.Skipped,
		"cached":        res.Cached,
		"failed":        res.Failed,
		"failed_assets": res.FailedAssets,
		"cost_usd":      res.CostUSD,
		"duration_ms":   res.DurationMs,
	}
	// Recording must outlive a cancelled run context.
	closeCtx := context.WithoutCancel(ctx)
	e.events.Record(closeCtx, run.id, "", "", eventType, summary)
	if e.ledger != nil {
		raw, err := json.Marshal(res)
		if err != nil {
			raw, _ = json.Marshal(summary)
		}
		if err := e.ledger.FinishRun(closeCtx, run.id, store.RunUpdate{
			Status:     status,
			FinishedAt: time.Now().UTC(),
			Result:     raw,
		}); err != nil {
			log.Warn("ledger finish run failed", slog.String("code", schema.ErrCodeStore), slog.String("error", err.Error()))
		}
	}

	attrs := []any{
		slog.String("status", string(status)),
		slog.Int("completed", res.Completed),
		slog.Int("skipped", res.Skipped),
		slog.Int("cached", res.Cached),
		slog.Int("failed", res.Failed),
		slog.Int("failed_assets", res.FailedAssets),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int64("duration_ms", res.DurationMs),
	}
	if res.Success {
		log.Info("pipeline finished", attrs...)
	} else {
		log.Error("pipeline finished with failures", attrs...)
	}
	return res
}
