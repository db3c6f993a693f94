package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// allowAllRobots replaces a robots.txt that never answered.
const allowAllRobots = "User-agent: *\nAllow: /"

// robotsTransport sends robots.txt requests through a short retry policy. Colly
// caches robots.txt per host for the life of the process, so a regulator whose
// edge times out once would otherwise be unreachable until restart. Hosts that
// exhaust the policy are crawled as allow-all and remembered, so the scanner can
// note it on the endpoint.
type robotsTransport struct {
	base   http.RoundTripper
	policy resilience.Policy

	mu      sync.Mutex
	assumed map[string]struct{}
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base: base,
		policy: resilience.Policy{
			Op:             "robots.txt",
			MaxAttempts:    4,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			JitterFraction: 0.1,
		},
		assumed: make(map[string]struct{}),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req) //nolint:wrapcheck // RoundTripper errors reach net/http unchanged
	}

	host := telemetry.SanitizeSite(req.URL.Host)
	resp, err := resilience.DoVal(req.Context(), t.policy, func(ctx context.Context) (*http.Response, error) {
		return t.base.RoundTrip(req.Clone(ctx)) //nolint:wrapcheck // classified by the policy
	})

	var exhausted *resilience.ExhaustedError
	switch {
	case err == nil:
		t.setAssumed(host, false)
		telemetry.ObserveFetch(host, "robots_fetched", 0)
		return resp, nil
	case errors.As(err, &exhausted) && req.Context().Err() == nil:
		t.setAssumed(host, true)
		telemetry.ObserveFetch(host, "robots_assumed_allow", 0)
		return &http.Response{
			StatusCode:    http.StatusOK,
			Status:        "200 OK",
			Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
			ContentLength: int64(len(allowAllRobots)),
			Header:        http.Header{"Content-Type": []string{"text/plain"}},
			Request:       req,
		}, nil
	default:
		telemetry.ObserveFetch(host, "robots_error", 0)
		return nil, fmt.Errorf("robots.txt for %s: %w", host, err)
	}
}

func (t *robotsTransport) setAssumed(host string, assumed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if assumed {
		t.assumed[host] = struct{}{}
	} else {
		delete(t.assumed, host)
	}
}

// assumedAllow reports whether host is being crawled without its robots.txt.
func (t *robotsTransport) assumedAllow(host string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.assumed[host]
	return ok
}
