package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/fingerprint"
	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// ErrUnknownStrategy is returned for endpoints whose strategy has no handler.
var ErrUnknownStrategy = errors.New("unknown discovery strategy")

// Repository is the persistence the scanner needs.
type Repository interface {
	model.SourceRepository
	model.EndpointRepository
	model.ItemRepository
}

// DriftObserver fingerprints endpoint pages and raises the adaptation signal.
type DriftObserver interface {
	Observe(ctx context.Context, ep *model.DiscoveryEndpoint, content []byte) (fingerprint.Observation, error)
	MaybeEnqueueAdaptation(ctx context.Context, ep model.DiscoveryEndpoint, cycleID string, drift fingerprint.Drift, newItems int) (bool, error)
}

// Result summarizes one endpoint scan.
type Result struct {
	EndpointID         string
	Candidates         int
	NewItems           int
	Requeued           int
	Drift              fingerprint.Drift
	AdaptationEnqueued bool
	Err                error
}

// CycleReport summarizes a discovery run.
type CycleReport struct {
	CycleID string
	Results []Result
	Failed  int
}

// Scanner runs discovery strategies and persists their candidates.
type Scanner struct {
	repo        Repository
	fetch       fetcher.Fetcher
	drift       DriftObserver
	audit       model.Auditor
	clock       model.Clock
	logger      *zap.Logger
	handlers    map[model.Strategy]Handler
	concurrency int
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(s *Scanner) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option { return func(s *Scanner) { s.audit = a } }

// WithConcurrency bounds how many endpoints scan at once.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithHandler registers or replaces a strategy handler.
func WithHandler(strategy model.Strategy, h Handler) Option {
	return func(s *Scanner) { s.handlers[strategy] = h }
}

// NewScanner builds a Scanner. drift may be nil to disable fingerprinting.
func NewScanner(repo Repository, fetch fetcher.Fetcher, drift DriftObserver, opts ...Option) *Scanner {
	s := &Scanner{
		repo:        repo,
		fetch:       fetch,
		drift:       drift,
		audit:       model.NopAuditor{},
		clock:       clock.New(),
		logger:      zap.NewNop(),
		handlers:    make(map[model.Strategy]Handler, len(Handlers)),
		concurrency: 4,
	}
	for k, v := range Handlers {
		s.handlers[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every enabled endpoint. One endpoint's failure is recorded in its Result
// and never aborts the others.
func (s *Scanner) Run(ctx context.Context, cycleID string) (CycleReport, error) {
	endpoints, err := s.repo.ListEndpoints(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("list endpoints: %w", err)
	}
	report := CycleReport{CycleID: cycleID}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ep := range endpoints {
		if !ep.Enabled {
			continue
		}
		g.Go(func() error {
			res := s.ScanEndpoint(gctx, ep, cycleID)
			mu.Lock()
			report.Results = append(report.Results, res)
			if res.Err != nil {
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("discovery cycle complete",
		zap.String("cycle_id", cycleID),
		zap.Int("endpoints", len(report.Results)),
		zap.Int("failed", report.Failed))
	return report, nil
}

// ScanEndpoint fetches the endpoint, expands it with its strategy, and upserts the
// de-duplicated candidates.
func (s *Scanner) ScanEndpoint(ctx context.Context, ep model.DiscoveryEndpoint, cycleID string) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "discovery.scan")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint.id", ep.ID),
		attribute.String("endpoint.strategy", string(ep.Strategy)),
	)
	res := Result{EndpointID: ep.ID}
	logger := s.logger.With(zap.String("endpoint_id", ep.ID), zap.String("url", ep.URL))

	handler, ok := s.handlers[ep.Strategy]
	if !ok {
		res.Err = fmt.Errorf("%w: %q", ErrUnknownStrategy, ep.Strategy)
		s.recordFailure(ctx, ep, res.Err, logger)
		return res
	}

	root, err := s.fetch.Fetch(ctx, pageRequest(ep, ep.URL))
	if err != nil {
		res.Err = fmt.Errorf("fetch endpoint: %w", err)
		s.recordFailure(ctx, ep, res.Err, logger)
		return res
	}

	var obs fingerprint.Observation
	if s.drift != nil && fingerprinted(ep.Strategy) && isHTML(root) {
		obs, err = s.drift.Observe(ctx, &ep, root.Body)
		if err != nil {
			logger.Warn("fingerprint failed", zap.Error(err))
		}
		res.Drift = obs.Drift
	}

	fetch := func(ctx context.Context, rawURL string) (fetcher.Response, error) {
		return s.fetch.Fetch(ctx, pageRequest(ep, rawURL))
	}
	candidates, err := handler(ctx, fetch, ep, root)
	if err != nil && len(candidates) == 0 {
		res.Err = fmt.Errorf("%s strategy: %w", ep.Strategy, err)
		s.recordFailure(ctx, ep, res.Err, logger)
		return res
	}
	if err != nil {
		logger.Warn("strategy returned partial results", zap.Error(err))
	}
	candidates = Dedupe(candidates)
	res.Candidates = len(candidates)

	res.NewItems, res.Requeued = s.persist(ctx, ep, candidates, logger)
	telemetry.ObserveDiscovered(string(ep.Strategy), res.NewItems)

	if s.drift != nil {
		enqueued, err := s.drift.MaybeEnqueueAdaptation(ctx, ep, cycleID, obs.Drift, res.NewItems)
		if err != nil {
			logger.Error("selector adaptation enqueue failed", zap.Error(err))
		}
		res.AdaptationEnqueued = enqueued
	}

	now := s.clock.Now()
	hash := idgen.ContentHash(root.Body)
	changed := hash != ep.LastContentHash
	ep.LastContentHash = hash
	ep.ConsecutiveErrors = 0
	ep.LastError = ""
	if root.RobotsAssumed {
		ep.LastError = robotsAssumedNote
		logger.Warn("robots.txt unreachable, endpoint crawled as allow-all")
	}
	ep.LastScannedAt = &now
	if err := s.repo.UpdateEndpoint(ctx, ep); err != nil {
		logger.Error("update endpoint failed", zap.Error(err))
	}
	if ep.SourceID != "" {
		if err := s.repo.TouchSource(ctx, ep.SourceID, now, changed); err != nil {
			logger.Warn("touch source failed", zap.Error(err))
		}
	}
	logger.Info("endpoint scanned",
		zap.Int("candidates", res.Candidates),
		zap.Int("new_items", res.NewItems),
		zap.Int("requeued", res.Requeued),
		zap.Float64("drift_percent", res.Drift.Percent))
	return res
}

// robotsAssumedNote is left on an endpoint scanned while its host's robots.txt
// could not be fetched.
const robotsAssumedNote = "robots.txt unreachable; crawled as allow-all"

// pageRequest builds the fetch for one of ep's pages. Rendered listing pages
// wait for the item selector instead of a fixed delay.
func pageRequest(ep model.DiscoveryEndpoint, rawURL string) fetcher.Request {
	req := fetcher.Request{
		URL:      rawURL,
		RenderJS: ep.Options.RenderJS,
		Settle:   time.Duration(ep.Options.RenderSettleMS) * time.Millisecond,
	}
	if ep.Strategy == model.StrategyListing {
		req.WaitFor = ep.Options.ItemSelector
	}
	return req
}

func (s *Scanner) persist(ctx context.Context, ep model.DiscoveryEndpoint, candidates []Candidate, logger *zap.Logger) (created, requeued int) {
	now := s.clock.Now()
	risk := ep.FreshnessRisk
	if risk == "" {
		risk = model.FreshnessMedium
	}
	sources := make(map[string]string)
	for _, c := range candidates {
		host, err := fetcher.HostOf(c.URL)
		if err != nil {
			continue
		}
		domain := SourceDomain(host)
		if _, err := s.ensureSource(ctx, domain, sources); err != nil {
			logger.Warn("source lookup failed", zap.String("domain", domain), zap.Error(err))
		}
		item := &model.DiscoveredItem{
			EndpointID:    ep.ID,
			Domain:        domain,
			URL:           c.URL,
			Title:         c.Title,
			PublishedAt:   c.Date,
			FreshnessRisk: risk,
			NextScanDue:   now,
			Status:        model.ItemPending,
			CreatedAt:     now,
		}
		isNew, err := s.repo.UpsertItem(ctx, item)
		if err != nil {
			logger.Warn("upsert item failed", zap.String("item_url", c.URL), zap.Error(err))
			continue
		}
		if isNew {
			created++
			continue
		}
		if item.Status == model.ItemProcessed || item.Status == model.ItemFailed {
			if item.Status == model.ItemFailed {
				item.ConsecutiveErrors = 0
				item.LastError = ""
				item.NextScanDue = now
			}
			item.Status = model.ItemPending
			if err := s.repo.UpdateItem(ctx, *item); err != nil {
				logger.Warn("requeue item failed", zap.String("item_url", c.URL), zap.Error(err))
				continue
			}
			requeued++
		}
	}
	return created, requeued
}

func (s *Scanner) recordFailure(ctx context.Context, ep model.DiscoveryEndpoint, cause error, logger *zap.Logger) {
	logger.Warn("endpoint scan failed", zap.Error(cause))
	now := s.clock.Now()
	ep.ConsecutiveErrors++
	ep.LastError = cause.Error()
	ep.LastScannedAt = &now
	if err := s.repo.UpdateEndpoint(ctx, ep); err != nil {
		logger.Error("update endpoint failed", zap.Error(err))
	}
}

func fingerprinted(strategy model.Strategy) bool {
	return strategy == model.StrategyListing || strategy == model.StrategyCrawl
}

func isHTML(resp fetcher.Response) bool {
	ct := strings.ToLower(resp.ContentType())
	return ct == "" || strings.Contains(ct, "html")
}
