// Package ratelimit provides token-bucket limiters keyed by provider.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/artgen/pkg/schema"
)

// Limiter is a token bucket: Capacity tokens at most, refilled at
// RequestsPerMinute/60 tokens per second. A fresh limiter starts full.
type Limiter struct {
	rpm      float64
	capacity int
	lim      *rate.Limiter
}

// NewLimiter creates a limiter allowing rpm requests per minute with the
// given burst capacity. Non-positive values fall back to 60 rpm, burst 1.
func NewLimiter(rpm float64, burst int) *Limiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rpm:      rpm,
		capacity: burst,
		lim:      rate.NewLimiter(rate.Limit(rpm/60.0), burst),
	}
}

// RequestsPerMinute returns the configured refill rate.
func (l *Limiter) RequestsPerMinute() float64 { return l.rpm }

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int { return l.capacity }

// Acquire blocks until n tokens are available or ctx ends. It returns how
// long the caller waited. Requests above capacity can never be satisfied
// and fail immediately.
func (l *Limiter) Acquire(ctx context.Context, n int) (time.Duration, error) {
	if n <= 0 {
		return 0, nil
	}
	if n > l.capacity {
		return 0, schema.NewErrorf(schema.ErrCodeRateLimited,
			"requested %d tokens exceeds bucket capacity %d", n, l.capacity)
	}
	start := time.Now()
	if err := l.lim.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return time.Since(start), schema.NewError(schema.ErrCodeCancelled, "rate limit wait cancelled").WithCause(ctx.Err())
		}
		return time.Since(start), schema.NewErrorf(schema.ErrCodeRateLimited, "rate limit wait: %s", err.Error()).WithCause(err)
	}
	return time.Since(start), nil
}

// Available reports the tokens currently in the bucket, between zero and
// capacity.
func (l *Limiter) Available() float64 {
	return l.availableAt(time.Now())
}

func (l *Limiter) availableAt(now time.Time) float64 {
	t := l.lim.TokensAt(now)
	switch {
	case t < 0:
		return 0
	case t > float64(l.capacity):
		return float64(l.capacity)
	}
	return t
}

// reserve takes n tokens as of now and returns how long the caller would
// have to wait before using them.
func (l *Limiter) reserve(now time.Time, n int) (time.Duration, error) {
	r := l.lim.ReserveN(now, n)
	if !r.OK() {
		return 0, fmt.Errorf("cannot reserve %d tokens with capacity %d", n, l.capacity)
	}
	return r.DelayFrom(now), nil
}

// Bucket is a provider's rate configuration.
type Bucket struct {
	RequestsPerMinute float64 `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// DefaultBucket applies to providers with no explicit configuration.
var DefaultBucket = Bucket{RequestsPerMinute: 60, Burst: 10}

// KnownProviders carries conservative baselines for the hosted model APIs.
var KnownProviders = map[string]Bucket{
	"gemini":  {RequestsPerMinute: 5, Burst: 2},
	"litellm": {RequestsPerMinute: 5, Burst: 2},
}

// Registry holds one limiter per provider, created lazily.
type Registry struct {
	mu       sync.Mutex
	fallback Bucket
	buckets  map[string]Bucket
	limiters map[string]*Limiter
}

// NewRegistry creates a registry seeded with KnownProviders.
func NewRegistry() *Registry {
	r := &Registry{
		fallback: DefaultBucket,
		buckets:  make(map[string]Bucket, len(KnownProviders)),
		limiters: make(map[string]*Limiter),
	}
	for name, b := range KnownProviders {
		r.buckets[name] = b
	}
	return r
}

// SetDefault changes the bucket used for unconfigured providers. Limiters
// already created keep their settings.
func (r *Registry) SetDefault(b Bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = b
}

// Configure replaces the limiter for provider.
func (r *Registry) Configure(provider string, rpm float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[provider] = Bucket{RequestsPerMinute: rpm, Burst: burst}
	r.limiters[provider] = NewLimiter(rpm, burst)
}

// Get returns the provider's limiter, creating it on first use.
func (r *Registry) Get(provider string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[provider]; ok {
		return l
	}
	b, ok := r.buckets[provider]
	if !ok {
		b = r.fallback
	}
	l := NewLimiter(b.RequestsPerMinute, b.Burst)
	r.limiters[provider] = l
	return l
}

// Acquire takes n tokens from the provider's bucket.
func (r *Registry) Acquire(ctx context.Context, provider string, n int) (time.Duration, error) {
	return r.Get(provider).Acquire(ctx, n)
}

// Available reports the current tokens for each provider with a limiter.
func (r *Registry) Available() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Available()
	}
	return out
}
