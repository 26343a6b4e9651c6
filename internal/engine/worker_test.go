package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/artgen/internal/metrics"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(3, nil)

	var current, peak atomic.Int64
	for i := 0; i < 10; i++ {
		err := pool.Go(context.Background(), fmt.Sprintf("asset-%03d", i), func(ctx context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	stats := pool.Close()

	if peak.Load() > 3 {
		t.Errorf("peak concurrency %d exceeded pool size 3", peak.Load())
	}
	assert.Equal(t, PoolStats{Started: 10}, stats)
}

func TestWorkerPool_GoBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Close()

	release := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), "portrait", func(ctx context.Context) error {
		<-release
		return nil
	}))

	queued := make(chan error, 1)
	go func() {
		queued <- pool.Go(context.Background(), "sheet", func(ctx context.Context) error { return nil })
	}()

	select {
	case <-queued:
		t.Fatal("second item started while the only slot was busy")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second item never got a slot")
	}
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(4, nil)

	var mu sync.Mutex
	panicked := map[string]string{}
	pool.OnPanic(func(label string, r any) {
		mu.Lock()
		panicked[label] = panicError(r).Error()
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, pool.Go(ctx, "archer", func(context.Context) error { return nil }))
	require.NoError(t, pool.Go(ctx, "mage", func(context.Context) error { return errors.New("provider down") }))
	require.NoError(t, pool.Go(ctx, "knight", func(context.Context) error { panic("render crashed") }))

	stats := pool.Close()
	assert.Equal(t, PoolStats{Started: 3, Failed: 2, Panics: 1}, stats)
	assert.Equal(t, map[string]string{"knight": "panic: render crashed"}, panicked)
}

func TestWorkerPool_CancelWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	release := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), "busy", func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Go(ctx, "late", func(context.Context) error { return nil }) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Go did not return after cancellation")
	}
	close(release)
	assert.Equal(t, int64(1), pool.Close().Started)
}

func TestWorkerPool_CloseDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	var done atomic.Int64
	for i := 0; i < 5; i++ {
		_ = pool.Go(context.Background(), "x", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	pool.Close()
	pool.Close()

	assert.Equal(t, int64(5), done.Load())
	err := pool.Go(context.Background(), "y", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ActiveWorkerGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	pool := NewWorkerPool(2, m)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	for _, id := range []string{"a", "b"} {
		_ = pool.Go(context.Background(), id, func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	<-started
	<-started

	if got := testutil.ToFloat64(m.ActiveWorkers); got != 2 {
		t.Errorf("active workers gauge = %v, want 2", got)
	}
	close(release)
	pool.Close()
	if got := testutil.ToFloat64(m.ActiveWorkers); got != 0 {
		t.Errorf("active workers gauge = %v after close, want 0", got)
	}
}
