package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/artgen/internal/streaming"
	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

// waitPending polls until n requests are outstanding.
func waitPending(t *testing.T, b *Bridge, n int) []Request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := b.PendingRequests(); len(reqs) == n {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending requests", n)
	return nil
}

type selection struct {
	index int
	regen bool
	err   error
}

func TestBridge_SelectionRoundTrip(t *testing.T) {
	b := NewBridge(Config{})
	done := make(chan selection, 1)
	go func() {
		idx, regen, err := b.RequestSelection(context.Background(), Request{
			StepID:  "render",
			AssetID: "archer",
			Options: []any{"a.png", "b.png", "c.png"},
		})
		done <- selection{idx, regen, err}
	}()

	reqs := waitPending(t, b, 1)
	req := reqs[0]
	assert.Equal(t, TypeSelectOne, req.Type)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "Select best option for archer", req.Prompt)
	assert.Equal(t, schema.PhaseWaiting, b.Progress().Phase)

	require.True(t, b.SubmitResponse(Response{RequestID: req.ID, SelectedIndex: intPtr(2)}))
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, 2, got.index)
	assert.False(t, got.regen)

	assert.Empty(t, b.PendingRequests())
	assert.Equal(t, schema.PhaseRunning, b.Progress().Phase)
}

func TestBridge_ApprovalMapping(t *testing.T) {
	cases := []struct {
		name     string
		resp     Response
		approved bool
		regen    bool
	}{
		{"approve", Response{Approved: true}, true, false},
		{"reject", Response{Approved: false}, false, false},
		{"regenerate", Response{Approved: true, Regenerate: true}, false, true},
		{"reject with index 0", Response{Approved: false, SelectedIndex: intPtr(0)}, false, false},
		{"approve with index 1", Response{Approved: true, SelectedIndex: intPtr(1)}, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBridge(Config{})
			type result struct {
				approved, regen bool
				err             error
			}
			done := make(chan result, 1)
			go func() {
				a, r, err := b.RequestApproval(context.Background(), Request{StepID: "concept", Options: []any{"draft"}})
				done <- result{a, r, err}
			}()

			req := waitPending(t, b, 1)[0]
			assert.Equal(t, TypeApprove, req.Type)
			resp := tc.resp
			resp.RequestID = req.ID
			require.True(t, b.SubmitResponse(resp))

			got := <-done
			require.NoError(t, got.err)
			assert.Equal(t, tc.approved, got.approved)
			assert.Equal(t, tc.regen, got.regen)
		})
	}
}

func TestBridge_UnknownAndDuplicateResponses(t *testing.T) {
	b := NewBridge(Config{})
	assert.False(t, b.SubmitResponse(Response{RequestID: "nope"}))

	done := make(chan selection, 1)
	go func() {
		idx, regen, err := b.RequestSelection(context.Background(), Request{StepID: "s", Options: []any{"x", "y"}})
		done <- selection{idx, regen, err}
	}()
	req := waitPending(t, b, 1)[0]

	assert.False(t, b.SubmitResponse(Response{RequestID: req.ID, SelectedIndex: intPtr(5)}), "out of range")
	assert.True(t, b.SubmitResponse(Response{RequestID: req.ID, SelectedIndex: intPtr(1)}))
	assert.False(t, b.SubmitResponse(Response{RequestID: req.ID, SelectedIndex: intPtr(0)}), "duplicate")

	got := <-done
	assert.Equal(t, 1, got.index)
}

func TestBridge_TimeoutSelectsFirst(t *testing.T) {
	hub := streaming.NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventApprovalTimeout},
	})
	require.NoError(t, err)
	defer cancel()

	b := NewBridge(Config{Timeout: 20 * time.Millisecond, Hub: hub})
	idx, regen, err := b.RequestSelection(context.Background(), Request{StepID: "s", Options: []any{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.False(t, regen)

	select {
	case ev := <-events:
		assert.Equal(t, "s", ev.StepID)
	case <-time.After(time.Second):
		t.Fatal("no approval.timeout event")
	}
}

func TestBridge_CancelledWait(t *testing.T) {
	b := NewBridge(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitPending(t, b, 1)
		cancel()
	}()

	_, _, err := b.RequestApproval(ctx, Request{StepID: "s"})
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Empty(t, b.PendingRequests())
}

func TestBridge_PendingSortedByCreation(t *testing.T) {
	b := NewBridge(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range []string{"first", "second"} {
		wg.Add(1)
		go func(step string) {
			defer wg.Done()
			_, _, _ = b.RequestSelection(ctx, Request{StepID: step, Options: []any{"x"}})
		}(id)
		waitPending(t, b, map[string]int{"first": 1, "second": 2}[id])
	}

	reqs := b.PendingRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "first", reqs[0].StepID)
	assert.Equal(t, "second", reqs[1].StepID)

	cancel()
	wg.Wait()
}

func TestBridge_BroadcastsRequestAndResolution(t *testing.T) {
	hub := streaming.NewMemoryHub()
	events, unsub, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventApprovalRequested, schema.EventApprovalResolved},
	})
	require.NoError(t, err)
	defer unsub()

	b := NewBridge(Config{Hub: hub})
	b.Begin("run-1", &schema.PipelineSpec{Name: "cards", Steps: []schema.StepSpec{{ID: "s", Kind: "echo"}}})

	go func() {
		req := waitPending(t, b, 1)[0]
		b.SubmitResponse(Response{RequestID: req.ID, Approved: true})
	}()
	_, _, err = b.RequestApproval(context.Background(), Request{StepID: "s"})
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			assert.Equal(t, "run-1", ev.RunID)
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("got events %v", types)
		}
	}
	assert.Equal(t, []string{schema.EventApprovalRequested, schema.EventApprovalResolved}, types)
}

func TestAutoResponder_Serve(t *testing.T) {
	b := NewBridge(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Serve(ctx, AutoResponder{}) }()

	for i := 0; i < 3; i++ {
		approved, regen, err := b.RequestApproval(ctx, Request{StepID: "s"})
		require.NoError(t, err)
		assert.True(t, approved)
		assert.False(t, regen)
	}

	idx, _, err := b.RequestSelection(ctx, Request{StepID: "pick", Options: []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestServe_ResponderFunc(t *testing.T) {
	b := NewBridge(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pick := ResponderFunc(func(_ context.Context, req Request) (Response, error) {
		return Response{SelectedIndex: intPtr(len(req.Options) - 1)}, nil
	})
	go func() { _ = b.Serve(ctx, pick) }()

	idx, _, err := b.RequestSelection(ctx, Request{StepID: "pick", Options: []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)
}
