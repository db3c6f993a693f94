package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		Op:                  "test",
		MaxAttempts:         3,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          5 * time.Millisecond,
		RateLimitBackoff:    20 * time.Millisecond,
		MaxRateLimitBackoff: 50 * time.Millisecond,
		Multiplier:          2,
	}
}

func TestDoValSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := DoVal(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &TransientNetworkError{Err: errors.New("reset"), StatusCode: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
}

func TestDoValExhaustsWithTypedError(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := DoVal(context.Background(), fastPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, &TransientNetworkError{Err: errors.New("down")}
	})
	require.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	var transient *TransientNetworkError
	require.ErrorAs(t, err, &transient)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	for name, failure := range map[string]error{
		"validation":   &ValidationError{Subject: "input", Err: errors.New("missing text")},
		"circuit":      &CircuitOpenError{Domain: "example.gov"},
		"non-retry":    &NonRetryableError{Err: errors.New("unauthorized"), StatusCode: 401},
		"plain":        errors.New("bad selector"),
		"wrapped-stop": fmt.Errorf("wrap: %w", &NonRetryableError{Err: &TransientNetworkError{Err: errors.New("x")}}),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := Do(context.Background(), fastPolicy(), func(context.Context) error {
				calls++
				return failure
			})
			require.Error(t, err)
			require.Equal(t, 1, calls)
			var exhausted *ExhaustedError
			require.False(t, errors.As(err, &exhausted))
		})
	}
}

func TestDoConvertsAttemptDeadlineToTimeout(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.Timeout = 5 * time.Millisecond
	p.MaxAttempts = 2
	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Equal(t, 2, calls)
	var to *TimeoutError
	require.ErrorAs(t, err, &to)
	require.Equal(t, "test", to.Op)
}

func TestDoHonorsParentCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(), func(context.Context) error {
		calls++
		cancel()
		return &TransientNetworkError{Err: errors.New("flaky")}
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestBackoffRateLimitUsesLongerBase(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.JitterFraction = 0
	normal := Backoff(p, 0, &TransientNetworkError{Err: errors.New("x")})
	limited := Backoff(p, 0, &RateLimitSignal{Err: errors.New("429")})
	require.Equal(t, time.Millisecond, normal)
	require.Equal(t, 20*time.Millisecond, limited)
	require.Equal(t, 50*time.Millisecond, Backoff(p, 5, &RateLimitSignal{Err: errors.New("429")}))
	require.Equal(t, 5*time.Millisecond, Backoff(p, 10, errors.New("x")))
}

func TestBackoffHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	p.JitterFraction = 0
	err := &RateLimitSignal{Err: errors.New("429"), RetryAfter: time.Second}
	require.Equal(t, time.Second, Backoff(p, 0, err))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientNetworkError{Err: errors.New("x")}, true},
		{"rate limit", &RateLimitSignal{Err: errors.New("x")}, true},
		{"timeout", &TimeoutError{Op: "fetch", After: time.Second}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"pattern", errors.New("read tcp: i/o timeout"), true},
		{"validation", &ValidationError{Subject: "x", Err: errors.New("y")}, false},
		{"circuit", &CircuitOpenError{Domain: "d"}, false},
		{"plain", errors.New("nope"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, ClassifyHTTPStatus(204, 0))

	err := ClassifyHTTPStatus(429, 3*time.Second)
	require.True(t, IsRateLimit(err))
	require.Equal(t, 3*time.Second, RetryAfter(err))

	require.True(t, IsRetryable(ClassifyHTTPStatus(503, 0)))
	require.True(t, IsRetryable(ClassifyHTTPStatus(408, 0)))
	require.False(t, IsRetryable(ClassifyHTTPStatus(404, 0)))
	require.False(t, IsRetryable(ClassifyHTTPStatus(401, 0)))
}
