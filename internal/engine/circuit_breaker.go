package engine

import (
	"sync"
	"time"

	"github.com/rendis/artgen/internal/metrics"
	"github.com/rendis/artgen/pkg/schema"
)

// CircuitState is the state of one provider's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig configures every provider's breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many invocations in a row must fail, after
	// retries, before calls are refused. Zero disables the breaker.
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	// HalfOpenMax is how many trial calls may run once the cooldown passes.
	HalfOpenMax int `yaml:"half_open_max" json:"half_open_max"`
}

// DefaultCircuitBreakerConfig opens after 5 failures and allows a trial call after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// BreakerSnapshot is a provider breaker's state for events and logs.
type BreakerSnapshot struct {
	Provider            string `json:"provider"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// ProviderBreakers keeps one breaker per provider. Steps that name no
// provider are keyed by their kind.
type ProviderBreakers struct {
	cfg     CircuitBreakerConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
}

func NewProviderBreakers(cfg CircuitBreakerConfig, m *metrics.Metrics) *ProviderBreakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &ProviderBreakers{cfg: cfg, metrics: m, now: time.Now, breakers: map[string]*breaker{}}
}

// with runs fn on provider's breaker under the registry lock, first
// moving an open breaker whose cooldown has passed to half-open.
func (p *ProviderBreakers) with(provider string, fn func(b *breaker)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[provider]
	if !ok {
		b = &breaker{}
		p.breakers[provider] = b
	}
	if b.state == CircuitOpen && p.now().Sub(b.openedAt) >= p.cfg.Cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
	fn(b)
}

// Allow returns nil when provider may be called, else CIRCUIT_OPEN.
func (p *ProviderBreakers) Allow(provider string) error {
	if p.cfg.FailureThreshold <= 0 {
		return nil
	}
	var err error
	p.with(provider, func(b *breaker) {
		switch b.state {
		case CircuitOpen:
			remaining := p.cfg.Cooldown - p.now().Sub(b.openedAt)
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"provider %q refused after %d consecutive failures", provider, b.failures).
				WithDetails(map[string]any{
					"provider":           provider,
					"retry_after":        remaining.String(),
					"consecutive_errors": b.failures,
				})
		case CircuitHalfOpen:
			if b.trials >= p.cfg.HalfOpenMax {
				err = schema.NewErrorf(schema.ErrCodeCircuitOpen, "provider %q is on a trial call", provider).
					WithDetails(map[string]any{"provider": provider})
				return
			}
			b.trials++
		}
	})
	if err != nil {
		p.metrics.CircuitRejected(provider)
	}
	return err
}

// Success closes provider's breaker.
func (p *ProviderBreakers) Success(provider string) {
	p.with(provider, func(b *breaker) { *b = breaker{} })
}

// Failure records a failed invocation and reports whether it opened the
// breaker. Errors that are not the provider's doing (bad config or
// templates, rejected requests, cancellation) leave it untouched.
func (p *ProviderBreakers) Failure(provider string, err error) (opened bool) {
	if p.cfg.FailureThreshold <= 0 || !blamesProvider(err) {
		return false
	}
	p.with(provider, func(b *breaker) {
		b.failures++
		if b.state == CircuitOpen {
			return
		}
		if b.state == CircuitHalfOpen || b.failures >= p.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = p.now()
			opened = true
		}
	})
	return opened
}

// State returns provider's current state.
func (p *ProviderBreakers) State(provider string) CircuitState {
	var s CircuitState
	p.with(provider, func(b *breaker) { s = b.state })
	return s
}

func (p *ProviderBreakers) Snapshot(provider string) BreakerSnapshot {
	snap := BreakerSnapshot{
		Provider:         provider,
		FailureThreshold: p.cfg.FailureThreshold,
		Cooldown:         p.cfg.Cooldown.String(),
	}
	p.with(provider, func(b *breaker) {
		snap.State = b.state.String()
		snap.ConsecutiveFailures = b.failures
	})
	return snap
}

func blamesProvider(err error) bool {
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation, schema.ErrCodeConfiguration, schema.ErrCodeTemplate,
		schema.ErrCodeExpression, schema.ErrCodeCancelled, schema.ErrCodeCircuitOpen:
		return false
	}
	return err != nil
}
