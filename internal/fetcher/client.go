package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/ratelimit"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// Gate is the politeness gate the Client acquires before each network attempt.
type Gate interface {
	Acquire(ctx context.Context, domain string) (*ratelimit.Permit, error)
}

// ClientConfig controls retry and timeout behavior.
type ClientConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RateLimitBackoff is the base delay after a 429.
	RateLimitBackoff time.Duration
}

// Client is the Fetch Client.
type Client struct {
	cfg       ClientConfig
	gate      Gate
	transport Transport
	headless  Transport
	promoter  Promoter
	blocklist *Blocklist
	clock     model.Clock
	logger    *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHeadless enables JavaScript rendering through t, promoted by p when non-nil.
func WithHeadless(t Transport, p Promoter) ClientOption {
	return func(c *Client) {
		c.headless = t
		c.promoter = p
	}
}

// WithBlocklist rejects matching hosts before any network call.
func WithBlocklist(b *Blocklist) ClientOption {
	return func(c *Client) { c.blocklist = b }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientClock overrides the clock used for FetchedAt.
func WithClientClock(clk model.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// NewClient builds a Client around a gate and a plain transport.
func NewClient(cfg ClientConfig, gate Gate, transport Transport, opts ...ClientOption) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:       cfg,
		gate:      gate,
		transport: transport,
		clock:     clock.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves req.URL. Blocked or malformed URLs fail before any network call. The
// returned error is typed: *resilience.NonRetryableError, *resilience.CircuitOpenError
// or *resilience.ExhaustedError.
func (c *Client) Fetch(ctx context.Context, req Request) (Response, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		return Response{}, &resilience.NonRetryableError{Err: err}
	}
	if c.blocklist.IsBlocked(host) {
		telemetry.ObserveFetch(host, "blocked", 0)
		return Response{}, &resilience.NonRetryableError{Err: fmt.Errorf("%s: %w", host, ErrBlockedDomain)}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "fetcher.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", req.URL), attribute.String("domain", host))

	transport := c.transport
	if req.RenderJS && c.headless != nil {
		transport = c.headless
	}
	resp, err := c.fetchWith(ctx, host, transport, req)
	if err == nil && !resp.UsedHeadless && c.shouldPromote(req, resp) {
		c.logger.Debug("promoting to headless fetch", zap.String("url", req.URL))
		if rendered, herr := c.fetchWith(ctx, host, c.headless, req); herr == nil {
			rendered.RobotsAssumed = resp.RobotsAssumed
			resp = rendered
		} else {
			c.logger.Warn("headless promotion failed; keeping plain response",
				zap.String("url", req.URL), zap.Error(herr))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return Response{}, err
	}
	span.SetAttributes(attribute.Int("status", resp.StatusCode), attribute.Bool("headless", resp.UsedHeadless))
	return resp, nil
}

func (c *Client) shouldPromote(req Request, resp Response) bool {
	return c.headless != nil && c.promoter != nil && c.promoter.ShouldPromote(req, resp)
}

func (c *Client) fetchWith(ctx context.Context, host string, transport Transport, req Request) (Response, error) {
	policy := resilience.Policy{
		Op:               "fetch " + host,
		Timeout:          c.cfg.Timeout,
		MaxAttempts:      c.cfg.MaxAttempts,
		InitialBackoff:   c.cfg.InitialBackoff,
		MaxBackoff:       c.cfg.MaxBackoff,
		RateLimitBackoff: c.cfg.RateLimitBackoff,
		OnRetry:          resilience.RetryLogger(c.logger.With(zap.String("url", req.URL))),
	}
	return resilience.DoVal(ctx, policy, func(ctx context.Context) (Response, error) {
		return c.attempt(ctx, host, transport, req)
	})
}

func (c *Client) attempt(ctx context.Context, host string, transport Transport, req Request) (Response, error) {
	permit, err := c.gate.Acquire(ctx, host)
	if err != nil {
		return Response{}, err
	}
	resp, err := transport.Fetch(ctx, req)
	if err == nil {
		err = resilience.ClassifyHTTPStatus(resp.StatusCode, retryAfter(resp))
	}
	if errors.Is(err, ErrRobotsDisallowed) {
		err = &resilience.NonRetryableError{Err: err}
	}
	// Only failures that look like the host struggling count toward its circuit.
	permit.Release(err != nil && resilience.IsRetryable(err))
	if err != nil {
		telemetry.ObserveFetch(host, "error", 0)
		return Response{}, err
	}
	telemetry.ObserveFetch(host, "ok", len(resp.Body))
	if resp.FetchedAt.IsZero() {
		resp.FetchedAt = c.clock.Now()
	}
	if resp.URL == "" {
		resp.URL = req.URL
	}
	return resp, nil
}

func retryAfter(resp Response) time.Duration {
	if resp.Headers == nil {
		return 0
	}
	raw := strings.TrimSpace(resp.Headers.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// HostOf returns the lower-cased hostname of rawURL.
func HostOf(rawURL string) (string, error) {
	return hostOf(rawURL)
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme in %q", rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host in %q", rawURL)
	}
	return host, nil
}
