package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
)

type fakeReviews struct {
	rules     []model.RegulatoryRule
	err       error
	lastLimit int
}

func (f *fakeReviews) Backlog(_ context.Context, limit int) ([]model.RegulatoryRule, error) {
	f.lastLimit = limit
	return f.rules, f.err
}

type fakeConflicts struct{ conflicts []model.RuleConflict }

func (f fakeConflicts) Backlog(context.Context, int) ([]model.RuleConflict, error) {
	return f.conflicts, nil
}

type fakeRejections struct{}

func (fakeRejections) ListRejections(context.Context, int) ([]model.ExtractionRejected, error) {
	return []model.ExtractionRejected{{ID: "rej-1", Reason: model.RejectNoQuoteMatch}}, nil
}

type fakeRuns struct{ runs map[string]model.AgentRun }

func (f fakeRuns) GetAgentRun(_ context.Context, id string) (model.AgentRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return model.AgentRun{}, model.ErrNotFound
	}
	return run, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(reviews *fakeReviews, checks map[string]Pinger, cfg Config) *Server {
	if reviews == nil {
		reviews = &fakeReviews{}
	}
	backlog := NewBacklogHandler(
		reviews,
		fakeConflicts{conflicts: []model.RuleConflict{{ID: "c-1", ConceptSlug: "vat-standard-rate", Status: model.ConflictOpen}}},
		fakeRejections{},
		fakeRuns{runs: map[string]model.AgentRun{"run-1": {ID: "run-1", AgentType: model.AgentExtractor, Attempts: 2}}},
		nil,
	)
	return NewServer(backlog, checks, cfg, nil)
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(nil, nil, Config{}), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzReportsFailedDependencies(t *testing.T) {
	t.Parallel()

	checks := map[string]Pinger{"postgres": fakePinger{}, "redis": fakePinger{err: errors.New("dial tcp: refused")}}
	rec := serve(t, newTestServer(nil, checks, Config{}), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Failed, "redis")
	assert.NotContains(t, body.Failed, "postgres")
}

func TestServer_ReadyzOK(t *testing.T) {
	t.Parallel()

	checks := map[string]Pinger{"postgres": fakePinger{}}
	rec := serve(t, newTestServer(nil, checks, Config{}), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(nil, nil, Config{}), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReviewBacklog(t *testing.T) {
	t.Parallel()

	reviews := &fakeReviews{rules: []model.RegulatoryRule{{
		ID:          "rule-1",
		ConceptSlug: "vat-standard-rate",
		RiskTier:    model.TierT0,
		Status:      model.RulePendingReview,
		Value:       "25",
		CreatedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}}
	rec := serve(t, newTestServer(reviews, nil, Config{}), httptest.NewRequest(http.MethodGet, "/v1/backlog/review?limit=10", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, reviews.lastLimit)
	var body struct {
		Rules []ruleDTO `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rules, 1)
	assert.Equal(t, "T0", body.Rules[0].RiskTier)
	assert.Equal(t, "25", body.Rules[0].Value)
}

func TestServer_ReviewBacklogLimitHandling(t *testing.T) {
	t.Parallel()

	reviews := &fakeReviews{}
	s := newTestServer(reviews, nil, Config{})

	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/review?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/review?limit=100000", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxBacklogLimit, reviews.lastLimit)
	assert.JSONEq(t, `{"rules": []}`, rec.Body.String())
}

func TestServer_ReviewBacklogError(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(&fakeReviews{err: errors.New("db down")}, nil, Config{}),
		httptest.NewRequest(http.MethodGet, "/v1/backlog/review", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ConflictsAndRejections(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil, nil, Config{})
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/conflicts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"c-1"`)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/rejections", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_QUOTE_MATCH")
}

func TestServer_AgentRun(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil, nil, Config{})
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/agent-runs/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run-1"`)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/agent-runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	s := newTestServer(nil, nil, Config{APIKey: "secret"})

	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/conflicts", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/backlog/conflicts", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = serve(t, s, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MissingQueueIsUnavailable(t *testing.T) {
	t.Parallel()

	s := NewServer(NewBacklogHandler(nil, nil, nil, nil, nil), nil, Config{}, nil)
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/review", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	s := NewServer(NewBacklogHandler(panicReviews{}, nil, nil, nil, nil), nil, Config{}, nil)
	rec := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/backlog/review", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicReviews struct{}

func (panicReviews) Backlog(context.Context, int) ([]model.RegulatoryRule, error) {
	panic("boom")
}
