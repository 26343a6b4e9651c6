package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rendis/artgen/pkg/schema"
)

const minRetryDelay = 100 * time.Millisecond

// RetryPolicy bounds how a failing invocation is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	// Retryable lists the error codes worth another attempt. Nil means
	// the transient codes.
	Retryable map[string]bool
}

// DefaultRetryPolicy returns 3 attempts with exponential backoff from 1s
// capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// BaseDelayFor returns the jitter-free delay after the given zero-based
// attempt: base * multiplier^attempt, capped at MaxDelay.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay returns the wait before retrying after attempt, with ±25% jitter
// when enabled and never less than 100ms.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelayFor(attempt)
	if p.Jitter {
		d = time.Duration(float64(d) * (0.75 + rand.Float64()*0.5))
	}
	if d < minRetryDelay {
		d = minRetryDelay
	}
	return d
}

// ShouldRetry reports whether err may be retried under the policy.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if p.Retryable == nil {
		return IsRetryableError(err)
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return p.Retryable[schema.ErrCodeTimeout]
	}
	if code := schema.CodeOf(err); code != "" {
		return p.Retryable[code]
	}
	return p.Retryable[ClassifyError(err)]
}

// Retry calls op until it succeeds, returns a non-retryable error or the
// attempts run out. onRetry, when set, is called before each wait.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "cancelled before attempt").WithCause(cerr)
		}
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == attempts-1 || !policy.ShouldRetry(err) {
			return err
		}
		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return schema.NewError(schema.ErrCodeCancelled, "cancelled during backoff").WithCause(werr)
		}
	}
	return err
}

// PolicyFromSpec overlays a step's retry settings on base. Durations
// were checked at validation; unparsable ones keep the base value.
func PolicyFromSpec(base RetryPolicy, spec *schema.RetryPolicySpec) RetryPolicy {
	if spec == nil {
		return base
	}
	p := base
	if spec.MaxAttempts > 0 {
		p.MaxAttempts = spec.MaxAttempts
	}
	if d, err := time.ParseDuration(spec.Delay); err == nil && d >= 0 {
		p.BaseDelay = d
	}
	if d, err := time.ParseDuration(spec.MaxDelay); err == nil && d >= 0 {
		p.MaxDelay = d
	}
	if spec.Multiplier > 0 {
		p.Multiplier = spec.Multiplier
	}
	if spec.Jitter != nil {
		p.Jitter = *spec.Jitter
	}
	if len(spec.RetryOn) > 0 {
		p.Retryable = make(map[string]bool, len(spec.RetryOn))
		for _, code := range spec.RetryOn {
			p.Retryable[code] = true
		}
	}
	return p
}

// IsRetryableError classifies whether an error should be retried.
// Cancellation never is and deadline expiry always is. Typed errors decide
// by code. Untyped errors classify as PROVIDER_ERROR or EXECUTION_ERROR,
// and both are retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return true
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
	"no such host",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"too many requests",
}

// ClassifyError returns the code an untyped executor error is reported
// under: PROVIDER_ERROR for network failures and messages that match a
// transient provider condition, EXECUTION_ERROR otherwise. Typed errors
// keep their code.
func ClassifyError(err error) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.ErrCodeProvider
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return schema.ErrCodeProvider
		}
	}
	return schema.ErrCodeExecution
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
