package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy parameterizes a retryable operation.
type Policy struct {
	// Op names the operation in errors and logs.
	Op string
	// Timeout bounds each attempt. Zero disables the per-attempt deadline.
	Timeout time.Duration
	// MaxAttempts is the total number of attempts including the first. Default: 3.
	MaxAttempts int
	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps ordinary backoff. Default: 30s.
	MaxBackoff time.Duration
	// RateLimitBackoff is the base delay used when the failure is a RateLimitSignal. Default: 30s.
	RateLimitBackoff time.Duration
	// MaxRateLimitBackoff caps rate-limit backoff. Default: 5m.
	MaxRateLimitBackoff time.Duration
	// Multiplier scales the delay after each attempt. Default: 2.
	Multiplier float64
	// JitterFraction adds ±fraction of random jitter. Default: 0.25.
	JitterFraction float64
	// ShouldRetry overrides IsRetryable.
	ShouldRetry func(err error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the defaults used for network calls.
func DefaultPolicy(op string) Policy {
	return applyDefaults(Policy{Op: op})
}

func applyDefaults(p Policy) Policy {
	if p.Op == "" {
		p.Op = "operation"
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = 30 * time.Second
	}
	if p.MaxRateLimitBackoff <= 0 {
		p.MaxRateLimitBackoff = 5 * time.Minute
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsRetryable
	}
	return p
}

// Do runs fn under policy p.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal runs fn under policy p and returns its value. Non-retryable errors are returned as-is
// after the first failure. When every attempt fails the result is an *ExhaustedError.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = applyDefaults(p)
	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		val, err := runAttempt(ctx, p, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !p.ShouldRetry(err) {
			return zero, lastErr
		}
		if attempt >= p.MaxAttempts-1 {
			break
		}
		delay := Backoff(p, attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, &ExhaustedError{Op: p.Op, Attempts: p.MaxAttempts, Last: lastErr}
}

func runAttempt[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	val, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		var to *TimeoutError
		if !errors.As(err, &to) {
			err = errors.Join(&TimeoutError{Op: p.Op, After: p.Timeout}, err)
		}
	}
	return val, err
}

// Backoff computes the delay after the given zero-based attempt failed with err.
func Backoff(p Policy, attempt int, err error) time.Duration {
	p = applyDefaults(p)
	base, ceiling := p.InitialBackoff, p.MaxBackoff
	if IsRateLimit(err) {
		base, ceiling = p.RateLimitBackoff, p.MaxRateLimitBackoff
	}
	delay := float64(base) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	if hint := RetryAfter(err); hint > 0 && float64(hint) > delay {
		delay = float64(hint)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(logger *zap.Logger) func(int, time.Duration, error) {
	if logger == nil {
		logger = zap.L()
	}
	return func(attempt int, delay time.Duration, err error) {
		logger.Warn("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Bool("rate_limited", IsRateLimit(err)),
			zap.Error(err),
		)
	}
}
