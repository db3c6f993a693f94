package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/evidence"
	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// DefaultMaxItemErrors is how many consecutive fetch failures mark an item FAILED.
const DefaultMaxItemErrors = 5

// Capturer stores fetched content as evidence.
type Capturer interface {
	Capture(ctx context.Context, in evidence.CaptureInput) (evidence.CaptureResult, error)
}

// Config tunes a Runner.
type Config struct {
	Concurrency   int
	ItemLimit     int
	MaxItemErrors int
}

// Report summarizes one scheduler run.
type Report struct {
	Due       int
	Groups    int
	Processed int
	Changed   int
	Reused    int
	Skipped   int
	Failed    int
	Errored   int
	Deferred  int
}

// Runner fetches the due manifest and captures each item as evidence.
type Runner struct {
	items   model.ItemRepository
	fetch   fetcher.Fetcher
	capture Capturer
	cfg     Config
	clock   model.Clock
	logger  *zap.Logger

	mu     sync.Mutex
	report Report
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner builds a Runner.
func NewRunner(items model.ItemRepository, fetch fetcher.Fetcher, capture Capturer, cfg Config, opts ...Option) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ItemLimit <= 0 {
		cfg.ItemLimit = DefaultItemLimit
	}
	if cfg.MaxItemErrors <= 0 {
		cfg.MaxItemErrors = DefaultMaxItemErrors
	}
	r := &Runner{
		items:   items,
		fetch:   fetch,
		capture: capture,
		cfg:     cfg,
		clock:   clock.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes one manifest. Endpoint groups run concurrently; items inside a group run
// one after another. Item failures are recorded on the item and never abort the run.
// Run is not safe for concurrent use on the same Runner.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "scheduler.Run")
	defer span.End()

	due, err := DueManifest(ctx, r.items, r.clock.Now(), r.cfg.ItemLimit)
	if err != nil {
		return Report{}, err
	}
	groups := GroupByEndpoint(due)

	r.mu.Lock()
	r.report = Report{Due: len(due), Groups: len(groups)}
	r.mu.Unlock()

	runID := idgen.MustNewID()
	logger := r.logger.With(zap.String("run_id", runID))
	logger.Info("scheduler run starting", zap.Int("due", len(due)), zap.Int("groups", len(groups)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, item := range group.Items {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.processItem(gctx, logger, item)
			}
			return nil
		})
	}
	err = g.Wait()

	r.mu.Lock()
	report := r.report
	r.mu.Unlock()
	span.SetAttributes(
		attribute.Int("due", report.Due),
		attribute.Int("processed", report.Processed),
		attribute.Int("failed", report.Failed),
	)
	logger.Info("scheduler run finished",
		zap.Int("processed", report.Processed),
		zap.Int("changed", report.Changed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("errored", report.Errored),
		zap.Int("deferred", report.Deferred),
	)
	return report, err
}

func (r *Runner) processItem(ctx context.Context, logger *zap.Logger, item model.DiscoveredItem) {
	logger = logger.With(zap.String("item_id", item.ID), zap.String("url", item.URL))
	now := r.clock.Now()

	resp, err := r.fetch.Fetch(ctx, fetcher.Request{URL: item.URL})
	if err != nil {
		r.recordFetchError(ctx, logger, item, err)
		return
	}

	changed := ApplyScan(&item, idgen.ContentHash(resp.Body), now)
	item.Status = model.ItemFetched

	res, capErr := r.capture.Capture(ctx, evidence.CaptureInput{
		URL:         item.URL,
		ContentType: resp.ContentType(),
		Body:        resp.Body,
	})
	if res.Evidence.ID != "" {
		item.EvidenceID = res.Evidence.ID
	}
	if capErr == nil {
		item.Status = model.ItemProcessed
	} else {
		item.LastError = capErr.Error()
		logger.Error("evidence capture failed", zap.Error(capErr))
	}
	if err := r.items.UpdateItem(ctx, item); err != nil {
		logger.Error("failed to persist item", zap.Error(err))
	}

	r.tally(func(rep *Report) {
		if capErr == nil {
			rep.Processed++
		}
		if changed {
			rep.Changed++
		}
		if res.Reused {
			rep.Reused++
		}
	})
}

func (r *Runner) recordFetchError(ctx context.Context, logger *zap.Logger, item model.DiscoveredItem, err error) {
	var circuit *resilience.CircuitOpenError
	if errors.As(err, &circuit) {
		// The domain is paused; the item stays due and keeps its error budget.
		logger.Debug("domain circuit open, deferring item", zap.String("domain", circuit.Domain))
		r.tally(func(rep *Report) { rep.Deferred++ })
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	now := r.clock.Now()
	item.ConsecutiveErrors++
	item.LastError = err.Error()
	switch {
	case !resilience.IsRetryable(err) && !isExhausted(err):
		item.Status = model.ItemSkipped
		r.tally(func(rep *Report) { rep.Skipped++ })
	case item.ConsecutiveErrors >= r.cfg.MaxItemErrors:
		item.Status = model.ItemFailed
		item.NextScanDue = CalculateNextScan(MinFrequency, model.FreshnessLow, now)
		r.tally(func(rep *Report) { rep.Failed++ })
	default:
		risk := item.FreshnessRisk
		if risk == "" {
			risk = model.FreshnessMedium
		}
		item.NextScanDue = CalculateNextScan(item.ChangeFrequency, risk, now)
		r.tally(func(rep *Report) { rep.Errored++ })
	}
	logger.Warn("item fetch failed",
		zap.Int("consecutive_errors", item.ConsecutiveErrors),
		zap.String("status", string(item.Status)),
		zap.Error(err),
	)
	if uerr := r.items.UpdateItem(ctx, item); uerr != nil {
		logger.Error("failed to persist item", zap.Error(uerr))
	}
}

func isExhausted(err error) bool {
	var ex *resilience.ExhaustedError
	return errors.As(err, &ex)
}

func (r *Runner) tally(fn func(*Report)) {
	r.mu.Lock()
	fn(&r.report)
	r.mu.Unlock()
}
