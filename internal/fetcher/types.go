// Package fetcher implements the Fetch Client: every request goes through the blocklist,
// the per-domain Rate Limiter, and the shared retry wrapper before reaching a transport.
package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrBlockedDomain is returned for hosts on the blocked/test list. It is never retried.
var ErrBlockedDomain = errors.New("domain is blocked")

// ErrRobotsDisallowed is returned when robots.txt forbids the URL.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

// Request describes one fetch.
type Request struct {
	URL      string
	Headers  http.Header
	RenderJS bool
	// WaitFor is a CSS selector for the content the caller is after, usually a
	// listing's item selector. The renderer waits for it and the promoter checks
	// the plain response for it.
	WaitFor string
	// Settle overrides the renderer's pause after load when WaitFor is empty.
	Settle time.Duration
}

// Response is the outcome of a fetch.
type Response struct {
	URL          string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	FetchedAt    time.Time
	// RobotsAssumed is set when the host's robots.txt never answered and it is
	// being crawled as allow-all.
	RobotsAssumed bool
}

// ContentType returns the response Content-Type header.
func (r Response) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Transport performs a single network round-trip without retries or politeness.
type Transport interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// Promoter decides whether a plain response to req needs a JavaScript-rendered refetch.
type Promoter interface {
	ShouldPromote(req Request, resp Response) bool
}

// Fetcher is what the rest of the pipeline depends on.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}
