package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity of NewMemoryHub.
const DefaultBuffer = 64

// MemoryHub fans events out to in-process subscribers. Publish never
// blocks on a subscriber: when its buffer is full the event is dropped
// for that subscriber and counted.
type MemoryHub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]memorySub
	nextID uint64

	dropped atomic.Uint64
}

type memorySub struct {
	ch     chan StreamEvent
	filter EventFilter
}

func NewMemoryHub() *MemoryHub { return NewMemoryHubSize(DefaultBuffer) }

// NewMemoryHubSize creates a hub whose subscribers buffer n events.
func NewMemoryHubSize(n int) *MemoryHub {
	if n < 1 {
		n = 1
	}
	return &MemoryHub{buffer: n, subs: map[uint64]memorySub{}}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscription. The returned func removes it and
// may be called more than once; the channel is left open.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan StreamEvent, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = memorySub{ch: ch, filter: filter}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }
