package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/artgen/internal/metrics"
)

// ErrPoolClosed is returned by Go after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// PoolStats counts what a pool ran. A panic counts as a failure too.
type PoolStats struct {
	Started int64 `json:"started"`
	Failed  int64 `json:"failed"`
	Panics  int64 `json:"panics"`
}

// WorkerPool runs labelled work (a step id or an asset id) with bounded
// concurrency. The executor opens one per tier of sibling steps and one
// per per-asset step.
type WorkerPool struct {
	slots   chan struct{}
	closing chan struct{}
	prom    *metrics.Metrics

	mu      sync.Mutex
	wg      sync.WaitGroup
	closed  bool
	onPanic func(label string, recovered any)

	started, failed, panics atomic.Int64
}

// NewWorkerPool returns a pool running at most size items at once. A nil
// m disables the active-worker gauge.
func NewWorkerPool(size int, m *metrics.Metrics) *WorkerPool {
	return &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		closing: make(chan struct{}),
		prom:    m,
	}
}

// OnPanic sets the handler told about recovered panics.
func (p *WorkerPool) OnPanic(fn func(label string, recovered any)) {
	p.mu.Lock()
	p.onPanic = fn
	p.mu.Unlock()
}

// Go waits for a free slot, then runs fn in its own goroutine. It returns
// ctx's error if cancelled while waiting and ErrPoolClosed after Close.
func (p *WorkerPool) Go(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.wg.Add(1)
	onPanic := p.onPanic
	p.mu.Unlock()

	p.started.Add(1)
	go p.run(ctx, label, fn, onPanic)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, label string, fn func(context.Context) error, onPanic func(string, any)) {
	stop := p.prom.WorkerStarted()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if onPanic != nil {
				onPanic(label, r)
			}
		}
		stop()
		<-p.slots
		p.wg.Done()
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
	}
}

// Close rejects further work, waits for running work and returns the
// final counts. It is safe to call more than once.
func (p *WorkerPool) Close() PoolStats {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return p.Stats()
}

// Stats returns the counts so far.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{Started: p.started.Load(), Failed: p.failed.Load(), Panics: p.panics.Load()}
}

// panicError converts a recovered value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
