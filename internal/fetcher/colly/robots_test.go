package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		return nil, errors.New("unexpected call")
	}
	return s.results[idx].resp, s.results[idx].err
}

func fastRobots(base http.RoundTripper) *robotsTransport {
	t := newRobotsTransport(base)
	t.policy.InitialBackoff = time.Millisecond
	t.policy.MaxBackoff = time.Millisecond
	return t
}

func robotsRequest(rawURL string) *http.Request {
	return httptest.NewRequest(http.MethodGet, rawURL, nil)
}

func TestRobotsUnreachableHostIsAssumedAllow(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: syscall.ECONNRESET},
		{err: context.DeadlineExceeded},
	}}
	transport := fastRobots(base)

	resp, err := transport.RoundTrip(robotsRequest("https://NN.hr/robots.txt"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, allowAllRobots, string(body))
	assert.Equal(t, 4, base.calls)
	assert.True(t, transport.assumedAllow("nn.hr"))
	assert.False(t, transport.assumedAllow("porezna-uprava.gov.hr"))
}

func TestRobotsRecoveryClearsAssumedAllow(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{resp: httptest.NewRecorder().Result()},
	}}
	transport := fastRobots(base)

	resp, err := transport.RoundTrip(robotsRequest("https://nn.hr/robots.txt"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.True(t, transport.assumedAllow("nn.hr"))

	resp, err = transport.RoundTrip(robotsRequest("https://nn.hr/robots.txt"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, 6, base.calls)
	assert.False(t, transport.assumedAllow("nn.hr"))
}

func TestRobotsPermanentErrorFails(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("x509: certificate signed by unknown authority")}}}
	transport := fastRobots(base)

	_, err := transport.RoundTrip(robotsRequest("https://nn.hr/robots.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robots.txt for nn.hr")
	assert.Equal(t, 1, base.calls)
	assert.False(t, transport.assumedAllow("nn.hr"))
}

func TestRobotsCanceledRequestIsNotAssumedAllow(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := fastRobots(base)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := transport.RoundTrip(robotsRequest("https://nn.hr/robots.txt").WithContext(ctx))
	require.Error(t, err)
	assert.False(t, transport.assumedAllow("nn.hr"))
}

func TestNonRobotsRequestsPassThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	transport := fastRobots(base)

	_, err := transport.RoundTrip(robotsRequest("https://nn.hr/clanci"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, base.calls)
}
