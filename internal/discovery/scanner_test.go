package discovery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/fingerprint"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/store/memory"
)

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
	reqs  []fetcher.Request
	// robotsAssumed marks every response as crawled without robots.txt.
	robotsAssumed bool
}

func (f *siteFetcher) set(url, body string) {
	f.mu.Lock()
	f.pages[url] = body
	f.mu.Unlock()
}

func (f *siteFetcher) Fetch(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	body, ok := f.pages[req.URL]
	if !ok {
		return fetcher.Response{}, errors.New("connection refused")
	}
	return fetcher.Response{
		URL:           req.URL,
		StatusCode:    http.StatusOK,
		Headers:       http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:          []byte(body),
		RobotsAssumed: f.robotsAssumed,
	}, nil
}

type taskRecorder struct {
	mu    sync.Mutex
	tasks []model.Task
}

func (r *taskRecorder) Enqueue(_ context.Context, task model.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return nil
}

func (r *taskRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

const newsV1 = `<html><body><main><ul class="news">
<li><a href="/n/1">Odluka o PDV-u</a></li>
<li><a href="/n/2">Pravilnik</a></li>
</ul></main></body></html>`

// Same links, different markup: drift with zero new items.
const newsRedesign = `<html><body><div class="grid"><div class="card"><div class="card-body"><span>
<a href="/n/1">Odluka o PDV-u</a></span></div></div>
<div class="card"><div class="card-body"><span><a href="/n/2">Pravilnik</a></span></div></div>
<div class="card"><div class="card-body"><span></span></div></div></div></body></html>`

type scannerFixture struct {
	store    *memory.Store
	site     *siteFetcher
	tasks    *taskRecorder
	detector *fingerprint.Detector
	scanner  *Scanner
	clock    *clock.Manual
	ep       model.DiscoveryEndpoint
}

func newScannerFixture(t *testing.T) *scannerFixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	clk := clock.NewManual(time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC))

	src := &model.RegulatorySource{Domain: "porezna.gov.hr", Name: "Porezna uprava", HierarchyLevel: model.LevelNational}
	require.NoError(t, st.CreateSource(ctx, src))
	ep := &model.DiscoveryEndpoint{
		SourceID:      src.ID,
		Domain:        "porezna.gov.hr",
		URL:           "https://porezna.gov.hr/news",
		Strategy:      model.StrategyListing,
		FreshnessRisk: model.FreshnessHigh,
		Options:       model.EndpointOptions{ItemSelector: "li, .card"},
		Enabled:       true,
	}
	require.NoError(t, st.CreateEndpoint(ctx, ep))

	site := &siteFetcher{pages: map[string]string{ep.URL: newsV1}}
	tasks := &taskRecorder{}
	det := fingerprint.NewDetector(st, tasks, nil, fingerprint.WithClock(clk))
	sc := NewScanner(st, site, det, WithClock(clk))
	return &scannerFixture{store: st, site: site, tasks: tasks, detector: det, scanner: sc, clock: clk, ep: *ep}
}

func (f *scannerFixture) endpoint(t *testing.T) model.DiscoveryEndpoint {
	t.Helper()
	ep, err := f.store.GetEndpoint(context.Background(), f.ep.ID)
	require.NoError(t, err)
	return ep
}

func TestScanEndpointPersistsItems(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.NewItems)

	items := f.store.Items()
	require.Len(t, items, 2)
	assert.Equal(t, model.ItemPending, items[0].Status)
	assert.Equal(t, model.FreshnessHigh, items[0].FreshnessRisk)
	assert.Equal(t, "porezna.gov.hr", items[0].Domain)
	assert.Equal(t, f.clock.Now(), items[0].NextScanDue)

	ep := f.endpoint(t)
	require.NotNil(t, ep.Baseline)
	assert.Equal(t, model.BaselinePending, ep.Baseline.Status)
	assert.NotEmpty(t, ep.LastContentHash)
	assert.Zero(t, ep.ConsecutiveErrors)

	// A second scan finds nothing new.
	res = f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.Zero(t, res.NewItems)
}

func TestScanEndpointRequeuesProcessedItems(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	items := f.store.Items()
	items[0].Status = model.ItemProcessed
	require.NoError(t, f.store.UpdateItem(ctx, items[0]))

	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Requeued)
	for _, it := range f.store.Items() {
		assert.Equal(t, model.ItemPending, it.Status)
	}
}

func TestScanEndpointRequeueResetsFailedItems(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	items := f.store.Items()
	failed := items[0]
	failed.Status = model.ItemFailed
	failed.ConsecutiveErrors = 5
	failed.LastError = "http status 503"
	failed.NextScanDue = f.clock.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, f.store.UpdateItem(ctx, failed))

	f.clock.Advance(time.Hour)
	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Requeued)

	for _, it := range f.store.Items() {
		if it.ID != failed.ID {
			continue
		}
		assert.Equal(t, model.ItemPending, it.Status)
		assert.Zero(t, it.ConsecutiveErrors)
		assert.Empty(t, it.LastError)
		assert.Equal(t, f.clock.Now(), it.NextScanDue)
	}
}

func TestDriftWithoutNewItemsEnqueuesOneAdaptation(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	require.NoError(t, f.detector.ApproveBaseline(ctx, f.ep.ID, "ops"))

	f.site.set(f.ep.URL, newsRedesign)
	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.Zero(t, res.NewItems)
	assert.True(t, res.Drift.ShouldAlert)
	assert.True(t, res.AdaptationEnqueued)

	// Rescanning within the same cycle must not enqueue again.
	res = f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	assert.False(t, res.AdaptationEnqueued)
	assert.Equal(t, 1, f.tasks.count())
}

func TestPendingBaselineNeverAlerts(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	f.site.set(f.ep.URL, newsRedesign)
	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.False(t, res.Drift.ShouldAlert)
	assert.Zero(t, f.tasks.count())
}

func TestScanFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	broken := &model.DiscoveryEndpoint{
		Domain:   "down.gov.hr",
		URL:      "https://down.gov.hr/rss",
		Strategy: model.StrategyRSS,
		Enabled:  true,
	}
	require.NoError(t, f.store.CreateEndpoint(ctx, broken))
	disabled := &model.DiscoveryEndpoint{URL: "https://off.gov.hr/", Strategy: model.StrategyCrawl}
	require.NoError(t, f.store.CreateEndpoint(ctx, disabled))

	report, err := f.scanner.Run(ctx, "cycle-1")
	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, f.store.Items(), 2)

	got, err := f.store.GetEndpoint(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveErrors)
	assert.Contains(t, got.LastError, "connection refused")
}

func TestUnknownStrategy(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ep := f.endpoint(t)
	ep.Strategy = "carrier-pigeon"
	res := f.scanner.ScanEndpoint(context.Background(), ep, "c1")
	require.ErrorIs(t, res.Err, ErrUnknownStrategy)
}

func TestSourceAutoCreation(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.site.set(f.ep.URL, `<ul><li><a href="https://narodne-novine.nn.hr/clanci/1">NN 1/2025</a></li></ul>`)
	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	require.NoError(t, res.Err)

	src, err := f.store.GetSourceByDomain(ctx, "narodne-novine.nn.hr")
	require.NoError(t, err)
	assert.True(t, src.AutoCreated)
	assert.Equal(t, model.LevelNational, src.HierarchyLevel)
}

func TestScanEndpointDerivesRenderingFromOptions(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	ep := f.endpoint(t)
	ep.Options.RenderJS = true
	ep.Options.RenderSettleMS = 1500
	require.NoError(t, f.store.UpdateEndpoint(ctx, ep))

	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	require.NoError(t, res.Err)
	require.NotEmpty(t, f.site.reqs)
	req := f.site.reqs[0]
	assert.Equal(t, ep.URL, req.URL)
	assert.True(t, req.RenderJS)
	assert.Equal(t, "li, .card", req.WaitFor)
	assert.Equal(t, 1500*time.Millisecond, req.Settle)
}

func TestPageRequestWaitsOnlyForListings(t *testing.T) {
	t.Parallel()

	ep := model.DiscoveryEndpoint{
		Strategy: model.StrategySitemap,
		Options:  model.EndpointOptions{ItemSelector: "li", RenderJS: true},
	}
	req := pageRequest(ep, "https://porezna.gov.hr/sitemap.xml")
	assert.Empty(t, req.WaitFor)
	assert.Zero(t, req.Settle)

	ep.Strategy = model.StrategyListing
	assert.Equal(t, "li", pageRequest(ep, "https://porezna.gov.hr/news?page=2").WaitFor)
}

func TestScanEndpointNotesAssumedRobots(t *testing.T) {
	t.Parallel()
	f := newScannerFixture(t)
	ctx := context.Background()

	f.site.robotsAssumed = true
	res := f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c1")
	require.NoError(t, res.Err)
	ep := f.endpoint(t)
	assert.Equal(t, robotsAssumedNote, ep.LastError)
	assert.Zero(t, ep.ConsecutiveErrors)
	assert.Equal(t, 2, res.NewItems)

	f.site.robotsAssumed = false
	res = f.scanner.ScanEndpoint(ctx, f.endpoint(t), "c2")
	require.NoError(t, res.Err)
	assert.Empty(t, f.endpoint(t).LastError)
}
