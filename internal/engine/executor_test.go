package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/cache"
	"github.com/rendis/artgen/internal/steps"
	"github.com/rendis/artgen/internal/store"
	"github.com/rendis/artgen/pkg/schema"
)

// --- fakes ---

// fakeLedger is an in-memory run ledger.
type fakeLedger struct {
	mu     sync.Mutex
	runs   map[string]*store.Run
	events []*store.Event
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{runs: make(map[string]*store.Run)}
}

func (l *fakeLedger) CreateRun(_ context.Context, run *store.Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.runs[run.ID] = &cp
	return nil
}

func (l *fakeLedger) FinishRun(_ context.Context, id string, update store.RunUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	run.Status = update.Status
	run.FinishedAt = &update.FinishedAt
	run.Result = update.Result
	return nil
}

func (l *fakeLedger) GetRun(_ context.Context, id string) (*store.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs[id], nil
}

func (l *fakeLedger) ListRuns(context.Context, store.RunFilter) ([]*store.Run, error) {
	return nil, nil
}

func (l *fakeLedger) AppendEvent(_ context.Context, event *store.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	event.Sequence = int64(len(l.events) + 1)
	l.events = append(l.events, event)
	return nil
}

func (l *fakeLedger) GetEvents(context.Context, string, int64) ([]*store.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*store.Event(nil), l.events...), nil
}

func (l *fakeLedger) GetEventsByType(context.Context, string, store.EventFilter) ([]*store.Event, error) {
	return nil, nil
}

func (l *fakeLedger) Migrate(context.Context) error { return nil }
func (l *fakeLedger) Close() error { return nil }

func (l *fakeLedger) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

// counter is a step kind that counts calls per asset and echoes its config.
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) executor(kind string) steps.StepExecutor {
	c.calls = make(map[string]int)
	return steps.Func(kind, func(_ context.Context, config map[string]any, ec steps.ExecContext) (*steps.StepResult, error) {
		c.mu.Lock()
		c.calls[ec.Asset.ID()]++
		c.mu.Unlock()
		return &steps.StepResult{Success: true, Output: steps.UserConfig(config)}, nil
	})
}

func (c *counter) count(assetID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[assetID]
}

type harness struct {
	exec   Executor
	ledger *fakeLedger
	bridge *approval.Bridge
}

func newHarness(t *testing.T, bridge *approval.Bridge, execs ...steps.StepExecutor) *harness {
	t.Helper()
	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg))
	for _, x := range execs {
		require.NoError(t, reg.Register(x))
	}
	ledger := newFakeLedger()
	exec, err := NewExecutor(Dependencies{
		Steps:  reg,
		Bridge: bridge,
		Ledger: ledger,
	}, ExecutorConfig{
		RetryPolicy: &RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1},
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 0,
		},
	})
	require.NoError(t, err)
	return &harness{exec: exec, ledger: ledger, bridge: bridge}
}

// serve answers bridge requests with fn until the test ends.
func serve(t *testing.T, b *approval.Bridge, fn approval.ResponderFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Serve(ctx, fn) }()
}

func specIn(t *testing.T, steps ...schema.StepSpec) *schema.PipelineSpec {
	return &schema.PipelineSpec{Name: "cards", StateDir: t.TempDir(), Steps: steps}
}

func heroes(ids ...string) schema.Collections {
	recs := make([]schema.AssetRecord, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, schema.AssetRecord{"id": id, "name": "Hero " + id})
	}
	return schema.Collections{"assets": recs}
}

// --- tests ---

func TestRun_TemplatesFlowBetweenSteps(t *testing.T) {
	h := newHarness(t, nil)
	spec := specIn(t,
		schema.StepSpec{ID: "concept", Kind: "echo", Config: map[string]any{"text": "hello {context.who}"}},
		schema.StepSpec{ID: "caption", Kind: "echo", Config: map[string]any{"msg": "{concept.text}!"}},
	)
	spec.Context = map[string]any{"who": "world"}

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Completed)

	caption, ok := res.Outputs["caption"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello world!", caption["msg"])
	assert.Equal(t, schema.StepStatusComplete, res.Steps["caption"].Status)
	assert.Equal(t, 1, res.Steps["caption"].Attempts)
}

func TestRun_ConditionFalseSkipsStep(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t,
		schema.StepSpec{ID: "upscale", Kind: "paint", Condition: "context.hires"},
		schema.StepSpec{ID: "done", Kind: "echo", Requires: []string{"upscale"}},
	)
	spec.Context = map[string]any{"hires": false}

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, schema.StepStatusSkipped, res.Steps["upscale"].Status)
	assert.Equal(t, schema.StepStatusComplete, res.Steps["done"].Status)
	assert.Equal(t, 0, c.count(""))
	assert.Contains(t, res.Outputs, "upscale")
	assert.Nil(t, res.Outputs["upscale"])
	assert.Contains(t, h.ledger.types(), schema.EventStepSkipped)
}

func TestRun_SkipExistingProcessesOnlyRemainingAssets(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t, schema.StepSpec{
		ID:      "portrait",
		Kind:    "paint",
		ForEach: "asset",
		Config:  map[string]any{"title": "{asset.name}"},
	})

	pre, err := cache.Open(spec.StateDir, nil)
	require.NoError(t, err)
	require.NoError(t, pre.Put("portrait", "a", map[string]any{"title": "cached"}, nil, 0))

	res, err := h.exec.Run(context.Background(), spec, heroes("a", "b"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, c.count("a"))
	assert.Equal(t, 1, c.count("b"))

	report := res.Steps["portrait"]
	require.Len(t, report.Assets, 2)
	assert.True(t, report.Assets["a"].Cached)
	assert.False(t, report.Assets["b"].Cached)

	byAsset := res.Outputs["portrait"].(map[string]any)["assets"].(map[string]any)
	assert.Equal(t, "cached", byAsset["a"].(map[string]any)["title"])
	assert.Equal(t, "Hero b", byAsset["b"].(map[string]any)["title"])
}

func TestRun_SecondRunIsServedFromCache(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t,
		schema.StepSpec{ID: "concept", Kind: "paint", Config: map[string]any{"idea": "dragon"}},
		schema.StepSpec{ID: "portrait", Kind: "paint", ForEach: "asset", Requires: []string{"concept"}},
	)

	first, err := h.exec.Run(context.Background(), spec, heroes("a", "b"))
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, 0, first.Cached)

	second, err := h.exec.Run(context.Background(), spec, heroes("a", "b"))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 2, second.Cached)
	assert.Equal(t, first.Outputs, second.Outputs)
	assert.Equal(t, 1, c.count(""))
	assert.Equal(t, 1, c.count("a"))
	assert.Equal(t, 1, c.count("b"))
}

func TestRun_CacheOffAlwaysRuns(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t, schema.StepSpec{ID: "concept", Kind: "paint", Cache: schema.CacheOff})

	for i := 0; i < 2; i++ {
		_, err := h.exec.Run(context.Background(), spec, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.count(""))
}

func TestRun_RejectTwiceThenApprove(t *testing.T) {
	bridge := approval.NewBridge(approval.Config{})
	var asked atomic.Int32
	serve(t, bridge, func(_ context.Context, req approval.Request) (approval.Response, error) {
		assert.Equal(t, approval.TypeApprove, req.Type)
		n := asked.Add(1)
		return approval.Response{Approved: n >= 3}, nil
	})

	c := &counter{}
	h := newHarness(t, bridge, c.executor("paint"))
	spec := specIn(t, schema.StepSpec{ID: "cover", Kind: "paint", Approval: schema.ApprovalUntilApproved, MaxAttempts: 5})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	report := res.Steps["cover"]
	assert.Equal(t, 3, report.Attempts)
	require.NotNil(t, report.Approved)
	assert.True(t, *report.Approved)
	assert.Equal(t, 3, c.count(""))

	out := res.Outputs["cover"].(map[string]any)
	assert.Equal(t, true, out["approved"])
	assert.Equal(t, 3, out["attempts"])

	types := h.ledger.types()
	assert.Contains(t, types, schema.EventStepAwaiting)
	assert.Contains(t, types, schema.EventApprovalResolved)
}

func TestRun_ApprovalLimitAcceptsUnapproved(t *testing.T) {
	bridge := approval.NewBridge(approval.Config{})
	serve(t, bridge, func(context.Context, approval.Request) (approval.Response, error) {
		return approval.Response{Approved: false}, nil
	})

	c := &counter{}
	h := newHarness(t, bridge, c.executor("paint"))
	spec := specIn(t, schema.StepSpec{ID: "cover", Kind: "paint", Approval: schema.ApprovalUntilApproved, MaxAttempts: 2})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	out := res.Outputs["cover"].(map[string]any)
	assert.Equal(t, false, out["approved"])
	assert.Equal(t, 2, out["attempts"])
}

func TestRun_SelectionRegeneratesThenRecordsChoice(t *testing.T) {
	bridge := approval.NewBridge(approval.Config{})
	var asked atomic.Int32
	serve(t, bridge, func(_ context.Context, req approval.Request) (approval.Response, error) {
		assert.Equal(t, approval.TypeSelectOne, req.Type)
		assert.Len(t, req.Options, 2)
		if asked.Add(1) == 1 {
			return approval.Response{Regenerate: true}, nil
		}
		one := 1
		return approval.Response{SelectedIndex: &one}, nil
	})

	var calls atomic.Int32
	paint := steps.Func("paint", func(_ context.Context, config map[string]any, _ steps.ExecContext) (*steps.StepResult, error) {
		n := calls.Add(1)
		assert.Equal(t, 2, steps.Variations(config))
		return &steps.StepResult{
			Success:    true,
			Output:     map[string]any{"round": int(n)},
			Candidates: []any{"out/a.png", map[string]any{"path": "out/b.png"}},
		}, nil
	})

	h := newHarness(t, bridge, paint)
	spec := specIn(t, schema.StepSpec{ID: "cover", Kind: "paint", Variations: 2})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())

	out := res.Outputs["cover"].(map[string]any)
	assert.Equal(t, 1, out["selected_index"])
	assert.Equal(t, "out/b.png", out["selected_path"])
	assert.Equal(t, 2, out["round"])
	require.NotNil(t, res.Steps["cover"].SelectedIndex)
	assert.Equal(t, 1, *res.Steps["cover"].SelectedIndex)
}

func TestRun_RuntimeCandidatesPromptOneAtATime(t *testing.T) {
	bridge := approval.NewBridge(approval.Config{})
	var prompts, maxPending atomic.Int32
	serve(t, bridge, func(_ context.Context, req approval.Request) (approval.Response, error) {
		// Give other asset workers time to raise their requests.
		time.Sleep(5 * time.Millisecond)
		n := int32(len(bridge.PendingRequests()))
		for {
			cur := maxPending.Load()
			if n <= cur || maxPending.CompareAndSwap(cur, n) {
				break
			}
		}
		prompts.Add(1)
		one := 1
		return approval.Response{SelectedIndex: &one}, nil
	})

	gen := steps.Func("gen", func(_ context.Context, _ map[string]any, ec steps.ExecContext) (*steps.StepResult, error) {
		id := ec.Asset.ID()
		return &steps.StepResult{Success: true, Candidates: []any{id + "-a.png", id + "-b.png"}}, nil
	})
	h := newHarness(t, bridge, gen)
	spec := specIn(t, schema.StepSpec{ID: "portrait", Kind: "gen", ForEach: "asset"})

	res, err := h.exec.Run(context.Background(), spec, heroes("a", "b", "c", "d"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(4), prompts.Load())
	assert.Equal(t, int32(1), maxPending.Load())

	byAsset := res.Outputs["portrait"].(map[string]any)["assets"].(map[string]any)
	assert.Equal(t, "c-b.png", byAsset["c"].(map[string]any)["selected_path"])
}

func TestRun_ProgressFollowsStepTransitions(t *testing.T) {
	bridge := approval.NewBridge(approval.Config{})
	h := newHarness(t, bridge)
	spec := specIn(t,
		schema.StepSpec{ID: "concept", Kind: "echo", Config: map[string]any{"text": "x"}},
		schema.StepSpec{ID: "upscale", Kind: "echo", Condition: "context.hires", Requires: []string{"concept"}},
	)
	spec.Context = map[string]any{"hires": false}

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	p := bridge.Progress()
	assert.Equal(t, 2, p.CompletedSteps)
	status := map[string]schema.StepStatus{}
	for _, s := range p.Steps {
		status[s.ID] = s.Status
	}
	assert.Equal(t, schema.StepStatusComplete, status["concept"])
	assert.Equal(t, schema.StepStatusSkipped, status["upscale"])
}

func TestRun_NoBridgeSelectsFirstCandidate(t *testing.T) {
	h := newHarness(t, nil)
	spec := specIn(t, schema.StepSpec{
		ID:         "cover",
		Kind:       "echo",
		Variations: 3,
		Config:     map[string]any{"candidates": []any{"a.png", "b.png", "c.png"}},
	})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	out := res.Outputs["cover"].(map[string]any)
	assert.Equal(t, 0, out["selected_index"])
	assert.Equal(t, "a.png", out["selected_path"])
}

func TestRun_GlobalFailureAbortsRemainingTiers(t *testing.T) {
	boom := steps.Func("boom", func(context.Context, map[string]any, steps.ExecContext) (*steps.StepResult, error) {
		return &steps.StepResult{Success: false, Error: "provider exploded"}, nil
	})
	h := newHarness(t, nil, boom)
	spec := specIn(t,
		schema.StepSpec{ID: "concept", Kind: "boom"},
		schema.StepSpec{ID: "render", Kind: "echo", Requires: []string{"concept"}},
	)

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, schema.StepStatusFailed, res.Steps["concept"].Status)
	assert.Equal(t, 2, res.Steps["concept"].Attempts, "retried once")
	assert.Contains(t, res.Steps["concept"].Error, "provider exploded")
	assert.Equal(t, schema.StepStatusPending, res.Steps["render"].Status)

	run, _ := h.ledger.GetRun(context.Background(), res.RunID)
	require.NotNil(t, run)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
}

func TestRun_PerAssetFailureIsIsolated(t *testing.T) {
	flaky := steps.Func("paint", func(_ context.Context, _ map[string]any, ec steps.ExecContext) (*steps.StepResult, error) {
		if ec.Asset.ID() == "b" {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "bad prompt")
		}
		return &steps.StepResult{Success: true, Output: ec.Asset.Name()}, nil
	})
	h := newHarness(t, nil, flaky)
	spec := specIn(t,
		schema.StepSpec{ID: "portrait", Kind: "paint", ForEach: "asset"},
		schema.StepSpec{ID: "sheet", Kind: "echo", Requires: []string{"portrait"}},
	)

	res, err := h.exec.Run(context.Background(), spec, heroes("a", "b", "c"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.FailedAssets)
	assert.Equal(t, 0, res.Failed)

	report := res.Steps["portrait"]
	assert.Equal(t, schema.StepStatusComplete, report.Status)
	assert.Equal(t, schema.StepStatusFailed, report.Assets["b"].Status)
	assert.Equal(t, 1, report.Assets["b"].Attempts, "configuration errors are not retried")
	assert.Equal(t, schema.StepStatusComplete, report.Assets["a"].Status)
	assert.Equal(t, schema.StepStatusComplete, report.Assets["c"].Status)
	assert.Equal(t, schema.StepStatusComplete, res.Steps["sheet"].Status)
}

func TestRun_TransientErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	flaky := steps.Func("paint", func(context.Context, map[string]any, steps.ExecContext) (*steps.StepResult, error) {
		if calls.Add(1) == 1 {
			return nil, schema.NewError(schema.ErrCodeProvider, "503")
		}
		return &steps.StepResult{Success: true, Output: "ok", CostUSD: 0.25}, nil
	})
	h := newHarness(t, nil, flaky)
	spec := specIn(t, schema.StepSpec{ID: "cover", Kind: "paint"})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Steps["cover"].Attempts)
	assert.Equal(t, "ok", res.Outputs["cover"])
	assert.InDelta(t, 0.25, res.CostUSD, 1e-9)
	assert.Contains(t, h.ledger.types(), schema.EventStepRetrying)
}

func TestRun_UntypedNetworkErrorMatchesProviderRetryOn(t *testing.T) {
	var calls atomic.Int32
	flaky := steps.Func("paint", func(context.Context, map[string]any, steps.ExecContext) (*steps.StepResult, error) {
		switch calls.Add(1) {
		case 1:
			return nil, errors.New("dial tcp 10.0.0.7:443: connection refused")
		case 2:
			return &steps.StepResult{Success: true, Output: "ok"}, nil
		}
		return nil, errors.New("unexpected call")
	})
	h := newHarness(t, nil, flaky)
	spec := specIn(t, schema.StepSpec{
		ID:    "cover",
		Kind:  "paint",
		Retry: &schema.RetryPolicySpec{MaxAttempts: 3, RetryOn: []string{schema.ErrCodeProvider}},
	})

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(10)
	spec = specIn(t, schema.StepSpec{
		ID:    "cover",
		Kind:  "paint",
		Retry: &schema.RetryPolicySpec{MaxAttempts: 3, RetryOn: []string{schema.ErrCodeProvider}},
	})
	res, err = h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, int32(11), calls.Load(), "an executor failure is not a provider failure")
}

func TestRun_PanickingExecutorFailsStep(t *testing.T) {
	bad := steps.Func("paint", func(context.Context, map[string]any, steps.ExecContext) (*steps.StepResult, error) {
		panic("nil brush")
	})
	h := newHarness(t, nil, bad)

	res, err := h.exec.Run(context.Background(), specIn(t, schema.StepSpec{ID: "cover", Kind: "paint"}), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Steps["cover"].Error, "panicked")
}

func TestRun_UnregisteredKindIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.exec.Run(context.Background(), specIn(t, schema.StepSpec{ID: "cover", Kind: "sculpt"}), nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.CodeOf(err))
}

func TestRun_CycleIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	spec := specIn(t,
		schema.StepSpec{ID: "a", Kind: "echo", Requires: []string{"b"}},
		schema.StepSpec{ID: "b", Kind: "echo", Requires: []string{"a"}},
	)
	_, err := h.exec.Run(context.Background(), spec, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
}

func TestRun_CreatesCollectionForLaterSteps(t *testing.T) {
	h := newHarness(t, nil)
	spec := specIn(t,
		schema.StepSpec{
			ID:      "roster",
			Kind:    "echo",
			Creates: "assets",
			Config: map[string]any{"items": []any{
				map[string]any{"name": "Fire Drake"},
				map[string]any{"name": "Ice Wyrm"},
			}},
		},
		schema.StepSpec{
			ID:      "portrait",
			Kind:    "echo",
			ForEach: "asset",
			Alias:   "art",
			Config:  map[string]any{"title": "{asset.name}"},
		},
	)

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, 2, res.Steps["roster"].Created)

	created := res.Collections["assets"]
	require.Len(t, created, 2)
	assert.Equal(t, "fire-drake", created[0].ID())
	assert.Equal(t, map[string]any{"title": "Ice Wyrm"}, created[1]["art"])

	byAsset := res.Outputs["portrait"].(map[string]any)["assets"].(map[string]any)
	assert.Equal(t, "Fire Drake", byAsset["fire-drake"].(map[string]any)["title"])
	assert.Contains(t, h.ledger.types(), schema.EventCollectionCreated)
}

func TestRun_UnparsableCreatesOutputWarns(t *testing.T) {
	h := newHarness(t, nil)
	spec := specIn(t,
		schema.StepSpec{ID: "roster", Kind: "echo", Creates: "assets", Extract: ".missing | error(\"no list\")"},
		schema.StepSpec{ID: "portrait", Kind: "echo", ForEach: "asset"},
	)

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Collections["assets"])
	assert.NotEmpty(t, res.Warnings)
}

func TestRun_EmptyCollectionSucceeds(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t, schema.StepSpec{ID: "portrait", Kind: "paint", ForEach: "asset"})

	res, err := h.exec.Run(context.Background(), spec, schema.Collections{"assets": {}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Completed)
	assert.Empty(t, res.Steps["portrait"].Assets)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.exec.Run(ctx, specIn(t, schema.StepSpec{ID: "a", Kind: "echo"}), nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Cancelled)
	assert.Equal(t, schema.StepStatusPending, res.Steps["a"].Status)
}

func TestRun_ParallelTierRunsEveryStep(t *testing.T) {
	c := &counter{}
	h := newHarness(t, nil, c.executor("paint"))
	spec := specIn(t,
		schema.StepSpec{ID: "front", Kind: "paint"},
		schema.StepSpec{ID: "back", Kind: "paint"},
		schema.StepSpec{ID: "edge", Kind: "paint"},
		schema.StepSpec{ID: "box", Kind: "echo", Requires: []string{"front", "back", "edge"}},
	)

	res, err := h.exec.Run(context.Background(), spec, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, c.count(""))
	assert.Equal(t, 4, res.Completed)
}

func TestRun_LedgerRecordsRunLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.exec.Run(context.Background(), specIn(t, schema.StepSpec{ID: "a", Kind: "echo"}), nil)
	require.NoError(t, err)

	run, _ := h.ledger.GetRun(context.Background(), res.RunID)
	require.NotNil(t, run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.Result)

	types := h.ledger.types()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepCompleted)
}

func TestExecutor_Plan(t *testing.T) {
	h := newHarness(t, nil)
	plan, err := h.exec.Plan(pipeline(echoStep("a"), echoStep("b", "a")))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, plan.Tiers)
}

func TestStampSelection(t *testing.T) {
	out := stampSelection("raw text", "img.png", 0)
	assert.Equal(t, "raw text", out["content"])
	assert.Equal(t, "img.png", out["selected_path"])

	out = stampSelection(map[string]any{"k": 1}, map[string]any{"seed": 3}, 2)
	assert.Equal(t, 1, out["k"])
	assert.Equal(t, "", out["selected_path"])
	assert.Equal(t, 2, out["selected_index"])
}
