// Package resilience holds the error taxonomy and the generic retryable-operation wrapper
// shared by the fetch and LLM call sites.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientNetworkError is safe to retry with normal backoff.
type TransientNetworkError struct {
	Err        error
	StatusCode int
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient network error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitSignal is retried with the longer rate-limit backoff.
type RateLimitSignal struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitSignal) Error() string {
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitSignal) Unwrap() error { return e.Err }

// ValidationError marks input that can never succeed; it is not retried.
type ValidationError struct {
	Subject string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Subject, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError is returned when a single attempt exceeds its deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// CircuitOpenError rejects work for a domain excluded after repeated failures.
type CircuitOpenError struct {
	Domain string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for domain %s", e.Domain)
}

// NonRetryableError wraps failures that retrying cannot fix (blocked domain, HTTP 401, 404).
type NonRetryableError struct {
	Err        error
	StatusCode int
}

func (e *NonRetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("non-retryable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

// ExhaustedError is returned after the last allowed attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsRateLimit reports whether err carries a RateLimitSignal.
func IsRateLimit(err error) bool {
	var rl *RateLimitSignal
	return errors.As(err, &rl)
}

// RetryAfter extracts the server hint from a RateLimitSignal, or zero.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitSignal
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// IsRetryable reports whether err is worth another attempt. Terminal markers win over
// transient ones anywhere in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		ve *ValidationError
		co *CircuitOpenError
		nr *NonRetryableError
	)
	if errors.As(err, &ve) || errors.As(err, &co) || errors.As(err, &nr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var (
		te *TransientNetworkError
		rl *RateLimitSignal
		to *TimeoutError
	)
	if errors.As(err, &te) || errors.As(err, &rl) || errors.As(err, &to) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"unexpected eof",
}

// ClassifyHTTPStatus maps a non-2xx response onto the taxonomy. It returns nil for 2xx.
func ClassifyHTTPStatus(code int, retryAfter time.Duration) error {
	if code >= 200 && code < 300 {
		return nil
	}
	base := fmt.Errorf("http status %d", code)
	switch {
	case code == 429:
		return &RateLimitSignal{Err: base, RetryAfter: retryAfter}
	case code == 408 || code >= 500:
		return &TransientNetworkError{Err: base, StatusCode: code}
	default:
		return &NonRetryableError{Err: base, StatusCode: code}
	}
}
