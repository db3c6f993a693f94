// Package ratelimit implements the per-domain politeness gate shared by every fetch call site.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxConcurrent caps in-flight requests per domain. Default: 1.
	MaxConcurrent int
	// MinDelay and MaxDelay bound the randomized gap between request starts on a domain.
	MinDelay time.Duration
	MaxDelay time.Duration
	// RPS is an optional hard ceiling per domain. Zero means unlimited.
	RPS   float64
	Burst int
	// ErrorThreshold consecutive failures open the domain circuit. Default: 5.
	ErrorThreshold int
	// ErrorResetAfter is the inactivity window after which error counts clear. Default: 24h.
	ErrorResetAfter time.Duration
	// PollInterval is the sleep between acquire attempts. Default: 100ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
	if c.ErrorResetAfter <= 0 {
		c.ErrorResetAfter = 24 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

type domainState struct {
	lastRequest       time.Time
	lastActivity      time.Time
	nextDelay         time.Duration
	active            int
	consecutiveErrors int
	ceiling           *rate.Limiter
}

// DomainStatus is a point-in-time view of one domain.
type DomainStatus struct {
	Domain            string
	Active            int
	ConsecutiveErrors int
	LastRequest       time.Time
	Open              bool
}

// Limiter owns per-domain politeness state. Construct one per process and share it.
type Limiter struct {
	cfg     Config
	clock   model.Clock
	logger  *zap.Logger
	jitter  func() float64
	mu      sync.Mutex
	domains map[string]*domainState
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the wall clock.
func WithClock(c model.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		clock:   clock.New(),
		logger:  zap.NewNop(),
		jitter:  rand.Float64,
		domains: make(map[string]*domainState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Permit is the release handle returned by Acquire.
type Permit struct {
	l      *Limiter
	domain string
	once   sync.Once
}

// Release frees the concurrency slot and records the request outcome. A failed outcome
// counts toward the domain circuit; a success clears it. Only the first call has effect.
func (p *Permit) Release(failed bool) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.l.release(p.domain, failed)
	})
}

// Acquire polls until the domain has a free slot and its randomized delay has elapsed.
// It fails fast with *resilience.CircuitOpenError when the domain is excluded.
func (l *Limiter) Acquire(ctx context.Context, domain string) (*Permit, error) {
	start := time.Now()
	for {
		permit, err := l.tryAcquire(domain)
		if err != nil {
			telemetry.ObserveCircuitOpen(domain)
			return nil, err
		}
		if permit != nil {
			if waited := time.Since(start); waited > time.Millisecond {
				telemetry.ObserveRateLimitDelay(domain, waited)
			}
			return permit, nil
		}
		timer := time.NewTimer(l.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("rate limit wait for %s: %w", domain, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Limiter) tryAcquire(domain string) (*Permit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	st := l.stateLocked(domain, now)
	if st.consecutiveErrors >= l.cfg.ErrorThreshold {
		return nil, &resilience.CircuitOpenError{Domain: domain}
	}
	if st.active >= l.cfg.MaxConcurrent {
		return nil, nil
	}
	if !st.lastRequest.IsZero() && now.Sub(st.lastRequest) < st.nextDelay {
		return nil, nil
	}
	if st.ceiling != nil && !st.ceiling.AllowN(now, 1) {
		return nil, nil
	}
	st.active++
	st.lastRequest = now
	st.lastActivity = now
	st.nextDelay = l.randomDelay()
	return &Permit{l: l, domain: domain}, nil
}

// stateLocked returns the domain state, clearing stale error counts first.
func (l *Limiter) stateLocked(domain string, now time.Time) *domainState {
	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{}
		if l.cfg.RPS > 0 {
			st.ceiling = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
		}
		l.domains[domain] = st
	}
	if st.consecutiveErrors > 0 && !st.lastActivity.IsZero() && now.Sub(st.lastActivity) >= l.cfg.ErrorResetAfter {
		l.logger.Info("domain error count reset after inactivity",
			zap.String("domain", domain),
			zap.Int("errors", st.consecutiveErrors))
		st.consecutiveErrors = 0
	}
	return st
}

func (l *Limiter) release(domain string, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.domains[domain]
	if !ok {
		return
	}
	if st.active > 0 {
		st.active--
	}
	st.lastActivity = l.clock.Now()
	if !failed {
		st.consecutiveErrors = 0
		return
	}
	st.consecutiveErrors++
	if st.consecutiveErrors == l.cfg.ErrorThreshold {
		l.logger.Warn("domain circuit opened",
			zap.String("domain", domain),
			zap.Int("errors", st.consecutiveErrors))
	}
}

func (l *Limiter) randomDelay() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(l.jitter()*float64(span))
}

// IsOpen reports whether the domain is currently excluded.
func (l *Limiter) IsOpen(domain string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain, l.clock.Now())
	return st.consecutiveErrors >= l.cfg.ErrorThreshold
}

// Reset clears the error count for a domain.
func (l *Limiter) Reset(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.domains[domain]; ok {
		st.consecutiveErrors = 0
	}
}

// Seed restores a persisted error count, used when endpoints carry counters across runs.
func (l *Limiter) Seed(domain string, consecutiveErrors int, lastActivity time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain, l.clock.Now())
	if consecutiveErrors > st.consecutiveErrors {
		st.consecutiveErrors = consecutiveErrors
		st.lastActivity = lastActivity
	}
}

// Status returns a snapshot for one domain.
func (l *Limiter) Status(domain string) DomainStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateLocked(domain, l.clock.Now())
	return DomainStatus{
		Domain:            domain,
		Active:            st.active,
		ConsecutiveErrors: st.consecutiveErrors,
		LastRequest:       st.lastRequest,
		Open:              st.consecutiveErrors >= l.cfg.ErrorThreshold,
	}
}
