package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/artgen/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_Context(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_Codes(t *testing.T) {
	retryable := []string{
		schema.ErrCodeExecution,
		schema.ErrCodeProvider,
		schema.ErrCodeRateLimited,
		schema.ErrCodeTimeout,
	}
	for _, code := range retryable {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be retryable", code)
	}

	nonRetryable := []string{
		schema.ErrCodeConfiguration,
		schema.ErrCodeValidation,
		schema.ErrCodeTemplate,
		schema.ErrCodeExpression,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeCancelled,
		schema.ErrCodeNotFound,
	}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), "expected %s to be non-retryable", code)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, schema.ErrCodeProvider},
		{errors.New("read tcp: connection reset by peer"), schema.ErrCodeProvider},
		{errors.New("upstream said 503 Service Unavailable"), schema.ErrCodeProvider},
		{errors.New("unexpected EOF"), schema.ErrCodeProvider},
		{errors.New("prompt rejected by safety filter"), schema.ErrCodeExecution},
		{schema.NewError(schema.ErrCodeTemplate, "connection refused"), schema.ErrCodeTemplate},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyError(tc.err), tc.err.Error())
	}
}

func TestShouldRetry_NarrowedSetClassifiesUntypedErrors(t *testing.T) {
	p := PolicyFromSpec(DefaultRetryPolicy(), &schema.RetryPolicySpec{RetryOn: []string{schema.ErrCodeProvider}})

	assert.True(t, p.ShouldRetry(errors.New("dial tcp 10.0.0.1:443: connection refused")))
	assert.False(t, p.ShouldRetry(errors.New("prompt rejected by safety filter")))
	assert.False(t, p.ShouldRetry(schema.NewError(schema.ErrCodeExecution, "connection refused")))
}

func TestIsRetryableError_PlainErrorRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("provider hiccup")))
}

func TestRetryPolicy_BaseDelayMonotonicAndCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		d := p.BaseDelayFor(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Second, p.BaseDelayFor(0))
	assert.Equal(t, 4*time.Second, p.BaseDelayFor(2))
	assert.Equal(t, 60*time.Second, p.BaseDelayFor(10))
	assert.Equal(t, 60*time.Second, p.BaseDelayFor(200))
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}

	p.Jitter = false
	assert.Equal(t, 2*time.Second, p.Delay(1))
}

func TestRetryPolicy_DelayFloor(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 1}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 1}
	var calls []int
	var retried []int

	err := Retry(context.Background(), p, func(_ context.Context, attempt int) error {
		calls = append(calls, attempt)
		if attempt < 2 {
			return schema.NewError(schema.ErrCodeProvider, "busy")
		}
		return nil
	}, func(attempt int, _ error, delay time.Duration) {
		retried = append(retried, attempt)
		assert.Equal(t, minRetryDelay, delay)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, calls)
	assert.Equal(t, []int{0, 1}, retried)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryPolicy(), func(context.Context, int) error {
		calls++
		return schema.NewError(schema.ErrCodeTemplate, "bad token")
	}, nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, schema.ErrCodeTemplate, schema.CodeOf(err))
}

func TestRetry_ExhaustedReturnsLastError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(context.Context, int) error {
		calls++
		return schema.NewErrorf(schema.ErrCodeExecution, "attempt %d", calls)
	}, nil)

	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}

	start := time.Now()
	err := Retry(ctx, p, func(context.Context, int) error {
		return schema.NewError(schema.ErrCodeRateLimited, "slow down")
	}, func(int, error, time.Duration) { cancel() })

	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestPolicyFromSpec(t *testing.T) {
	off := false
	p := PolicyFromSpec(DefaultRetryPolicy(), &schema.RetryPolicySpec{
		MaxAttempts: 5,
		Delay:       "250ms",
		MaxDelay:    "2s",
		Multiplier:  3,
		Jitter:      &off,
		RetryOn:     []string{schema.ErrCodeRateLimited},
	})

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.False(t, p.Jitter)
	assert.True(t, p.ShouldRetry(schema.NewError(schema.ErrCodeRateLimited, "x")))
	assert.False(t, p.ShouldRetry(schema.NewError(schema.ErrCodeProvider, "x")))
	assert.False(t, p.ShouldRetry(context.DeadlineExceeded))

	same := PolicyFromSpec(DefaultRetryPolicy(), nil)
	assert.Equal(t, DefaultRetryPolicy(), same)

	partial := PolicyFromSpec(DefaultRetryPolicy(), &schema.RetryPolicySpec{Delay: "nope"})
	assert.Equal(t, time.Second, partial.BaseDelay)
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), -1))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start = time.Now()
	assert.Error(t, WaitForBackoff(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}
