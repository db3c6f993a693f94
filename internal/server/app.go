// Package server builds the application graph and runs its entry points.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/api"
	"github.com/JakeFAU/regwatch/internal/audit"
	auditsinks "github.com/JakeFAU/regwatch/internal/audit/sinks"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/discovery"
	"github.com/JakeFAU/regwatch/internal/dispatcher"
	"github.com/JakeFAU/regwatch/internal/embedding"
	"github.com/JakeFAU/regwatch/internal/evidence"
	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/regwatch/internal/fetcher/colly"
	"github.com/JakeFAU/regwatch/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/regwatch/internal/fetcher/headless"
	"github.com/JakeFAU/regwatch/internal/fingerprint"
	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/llm"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/ocr"
	"github.com/JakeFAU/regwatch/internal/queue"
	memoryqueue "github.com/JakeFAU/regwatch/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/regwatch/internal/queue/pubsub"
	"github.com/JakeFAU/regwatch/internal/queue/redisguard"
	"github.com/JakeFAU/regwatch/internal/ratelimit"
	"github.com/JakeFAU/regwatch/internal/rules"
	"github.com/JakeFAU/regwatch/internal/scheduler"
	"github.com/JakeFAU/regwatch/internal/storage"
	gcsstorage "github.com/JakeFAU/regwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/regwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/regwatch/internal/storage/memory"
	memorystore "github.com/JakeFAU/regwatch/internal/store/memory"
	pgstore "github.com/JakeFAU/regwatch/internal/store/postgres"
	"github.com/JakeFAU/regwatch/internal/telemetry"
	"github.com/JakeFAU/regwatch/internal/worker"
)

// Version is stamped into telemetry resources.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  model.Clock

	store      model.Store
	blobs      storage.BlobStore
	gcsClient  *gstorage.Client
	queue      queue.Queue
	memQueue   *memoryqueue.Queue
	redis      *redisguard.Deduper
	hub        *audit.Hub
	headless   *headlessfetcher.Renderer
	qdrant     *embedding.QdrantIndex
	telemetry  *telemetry.Providers
	fetch      fetcher.Fetcher
	drift      *fingerprint.Detector
	scanner    *discovery.Scanner
	scheduler  *scheduler.Runner
	evidence   *evidence.Service
	reference  *extract.ReferenceExtractor
	reviewer   *rules.Reviewer
	arbiter    *rules.Arbiter
	worker     *worker.Worker
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	consumers  int
	httpServer *http.Server
}

// Build creates the application's dependencies. The caller owns logger.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: clock.New()}
	logger.Info("building application",
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("llm", cfg.LLM.Provider),
	)

	steps := []func(context.Context) error{
		app.setupTelemetry,
		app.setupStore,
		app.setupBlobs,
		app.setupQueue,
		app.setupAudit,
		app.setupFetch,
		app.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			app.Close(closeCtx)
			cancel()
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupTelemetry(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		Version:      Version,
		Environment:  a.cfg.Telemetry.Environment,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		Insecure:     a.cfg.Telemetry.Insecure,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.telemetry = providers
	if a.cfg.Telemetry.OTLPEndpoint != "" {
		a.logger.Info("exporting telemetry", zap.String("endpoint", a.cfg.Telemetry.OTLPEndpoint))
	}
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "postgres":
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
			Migrate:         a.cfg.Store.Migrate,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = st
		a.logger.Info("postgres store initialized", zap.Bool("migrated", a.cfg.Store.Migrate))
	default:
		a.store = memorystore.New()
		a.logger.Warn("using in-memory store; state is lost on exit")
	}
	return a.seedEndpoints(ctx)
}

// seedEndpoints creates configured endpoints that the store does not know yet.
// Existing rows are left alone so learned state (baselines, error counts) survives.
func (a *App) seedEndpoints(ctx context.Context) error {
	created := 0
	for _, seed := range a.cfg.Discovery.Endpoints {
		ep, err := seed.Endpoint()
		if err != nil {
			return fmt.Errorf("seed endpoint: %w", err)
		}
		_, err = a.store.GetEndpoint(ctx, ep.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, model.ErrNotFound):
			return fmt.Errorf("load endpoint %s: %w", ep.ID, err)
		}
		if err := a.store.CreateEndpoint(ctx, &ep); err != nil && !errors.Is(err, model.ErrConflict) {
			return fmt.Errorf("create endpoint %s: %w", ep.ID, err)
		}
		created++
	}
	if created > 0 {
		a.logger.Info("seeded discovery endpoints", zap.Int("created", created))
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	var err error
	switch a.cfg.Blob.Backend {
	case "gcs":
		a.gcsClient, err = gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.GCSBucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob backend", zap.String("path", a.cfg.Blob.LocalDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory blob backend")
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	var backend queue.Queue
	switch a.cfg.Queue.Backend {
	case "pubsub":
		q, err := pubsubqueue.New(ctx, pubsubqueue.Config{
			ProjectID:    a.cfg.Queue.PubSub.ProjectID,
			Topic:        a.cfg.Queue.PubSub.Topic,
			Subscription: a.cfg.Queue.PubSub.Subscription,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		backend = q
		// Pub/Sub fans out deliveries itself; Receive must not be called concurrently.
		a.consumers = 1
		a.logger.Info("using Pub/Sub task queue",
			zap.String("project", a.cfg.Queue.PubSub.ProjectID),
			zap.String("topic", a.cfg.Queue.PubSub.Topic))
	default:
		a.memQueue = memoryqueue.NewQueue(a.cfg.Queue.Capacity, a.cfg.Queue.MaxAttempts, a.logger.Named("queue"))
		backend = a.memQueue
		a.consumers = a.cfg.Pipeline.Workers
		a.logger.Info("using in-memory task queue", zap.Int("capacity", a.cfg.Queue.Capacity))
	}

	var dedup queue.Deduper
	if a.cfg.Queue.Redis.Addr != "" {
		a.redis = redisguard.New(a.cfg.Queue.Redis.Addr, a.cfg.Queue.Redis.Password, a.cfg.Queue.Redis.DB)
		if err := a.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		dedup = a.redis
		a.logger.Info("using redis idempotency guard", zap.String("addr", a.cfg.Queue.Redis.Addr))
	} else {
		dedup = memoryqueue.NewDeduper()
	}
	a.queue = queue.NewGuarded(backend, dedup, a.cfg.Queue.IdempotencyTTL, a.logger.Named("queue"))
	return nil
}

func (a *App) setupAudit(context.Context) error {
	sinks := []audit.Sink{
		auditsinks.NewLogSink(a.logger.Named("audit")),
		auditsinks.NewStoreSink(a.store, a.cfg.Audit.StoreChunk, a.logger.Named("audit_store")),
	}
	prom, err := auditsinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("audit metrics disabled", zap.Error(err))
	} else {
		sinks = append(sinks, prom)
	}
	a.hub = audit.NewHub(audit.Config{
		BufferSize:     a.cfg.Audit.BufferSize,
		MaxBatchEvents: a.cfg.Audit.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Audit.MaxBatchWait,
		SinkTimeout:    a.cfg.Audit.SinkTimeout,
		Logger:         a.logger.Named("audit_hub"),
		Clock:          a.clock,
	}, sinks...)
	a.logger.Info("audit hub initialized",
		zap.Int("buffer_size", a.cfg.Audit.BufferSize),
		zap.Int("sinks", len(sinks)))
	return nil
}

func (a *App) setupFetch(context.Context) error {
	limiter := ratelimit.New(ratelimit.Config{
		MaxConcurrent:   a.cfg.RateLimit.MaxConcurrent,
		MinDelay:        a.cfg.RateLimit.MinDelay,
		MaxDelay:        a.cfg.RateLimit.MaxDelay,
		RPS:             a.cfg.RateLimit.RPS,
		Burst:           a.cfg.RateLimit.Burst,
		ErrorThreshold:  a.cfg.RateLimit.ErrorThreshold,
		ErrorResetAfter: a.cfg.RateLimit.ErrorResetAfter,
	}, ratelimit.WithClock(a.clock), ratelimit.WithLogger(a.logger.Named("ratelimit")))

	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.Fetch.Timeout,
		MaxBodyBytes:  a.cfg.Fetch.MaxBodyBytes,
	})
	opts := []fetcher.ClientOption{
		fetcher.WithBlocklist(fetcher.NewBlocklist(a.cfg.Fetch.Blocklist)),
		fetcher.WithClientLogger(a.logger.Named("fetch")),
		fetcher.WithClientClock(a.clock),
	}
	if a.cfg.Headless.Enabled {
		hf, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
			ItemWait:          a.cfg.Headless.ItemWait,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed; JS rendering disabled", zap.Error(err))
		} else {
			a.headless = hf
			opts = append(opts, fetcher.WithHeadless(hf, detector.NewListingHeuristic(a.cfg.Headless.MinVisibleText)))
			a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}
	a.fetch = fetcher.NewClient(fetcher.ClientConfig{
		Timeout:          a.cfg.Fetch.Timeout,
		MaxAttempts:      a.cfg.Fetch.MaxAttempts,
		InitialBackoff:   a.cfg.Fetch.InitialBackoff,
		MaxBackoff:       a.cfg.Fetch.MaxBackoff,
		RateLimitBackoff: a.cfg.Fetch.RateLimitBackoff,
	}, limiter, transport, opts...)
	return nil
}

//nolint:funlen // linear wiring of the pipeline stages
func (a *App) setupPipeline(context.Context) error {
	log := a.logger

	a.drift = fingerprint.NewDetector(a.store, a.queue, a.hub,
		fingerprint.WithThreshold(a.cfg.Drift.Threshold),
		fingerprint.WithClock(a.clock),
		fingerprint.WithLogger(log.Named("drift")))
	a.scanner = discovery.NewScanner(a.store, a.fetch, a.drift,
		discovery.WithClock(a.clock),
		discovery.WithLogger(log.Named("discovery")),
		discovery.WithAuditor(a.hub),
		discovery.WithConcurrency(a.cfg.Discovery.Concurrency))

	pdf := ocr.NewPdfToText(a.cfg.OCR.PdfToTextPath)
	scanned, err := ocr.NewExtractor(a.cfg.OCR)
	if err != nil {
		return fmt.Errorf("ocr init failed: %w", err)
	}
	evidenceOpts := []evidence.Option{
		evidence.WithClock(a.clock),
		evidence.WithLogger(log.Named("evidence")),
		evidence.WithAuditor(a.hub),
		evidence.WithPDFText(pdf),
		evidence.WithOCR(scanned),
	}
	if a.cfg.Pipeline.InlineLimit > 0 {
		evidenceOpts = append(evidenceOpts, evidence.WithInlineLimit(a.cfg.Pipeline.InlineLimit))
	}
	a.evidence = evidence.NewService(a.store, a.blobs, a.queue, evidenceOpts...)
	a.scheduler = scheduler.NewRunner(a.store, a.fetch, a.evidence, scheduler.Config{
		Concurrency:   a.cfg.Scheduler.Concurrency,
		ItemLimit:     a.cfg.Scheduler.ItemLimit,
		MaxItemErrors: a.cfg.Scheduler.MaxItemErrors,
	}, scheduler.WithClock(a.clock), scheduler.WithLogger(log.Named("scheduler")))

	client, err := llm.New(llm.Config{
		Provider:  a.cfg.LLM.Provider,
		BaseURL:   a.cfg.LLM.BaseURL,
		APIKey:    a.cfg.LLM.APIKey,
		Model:     a.cfg.LLM.Model,
		MaxTokens: a.cfg.LLM.MaxTokens,
		Timeout:   a.cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("llm init failed: %w", err)
	}
	timeouts, err := a.cfg.AgentTimeouts()
	if err != nil {
		return fmt.Errorf("agent timeouts: %w", err)
	}
	runner := agent.NewRunner(client, a.store,
		agent.WithClock(a.clock),
		agent.WithLogger(log.Named("agent")),
		agent.WithAuditor(a.hub),
		agent.WithBackoff(a.cfg.Agent.InitialBackoff, a.cfg.Agent.RateLimitBackoff),
		agent.WithTimeouts(timeouts))

	extractOpts := []extract.Option{
		extract.WithClock(a.clock),
		extract.WithLogger(log.Named("extract")),
		extract.WithAuditor(a.hub),
		extract.WithCoverageThreshold(a.cfg.Pipeline.CoverageThreshold),
	}
	if len(a.cfg.Pipeline.Expectations) > 0 {
		extractOpts = append(extractOpts, extract.WithExpectations(a.cfg.Pipeline.Expectations))
	}
	extractor := extract.NewExtractor(runner, a.evidence, a.store, a.queue, extractOpts...)
	a.reference = extract.NewReferenceExtractor(runner, a.evidence, a.store, extractOpts...)

	tiers, err := a.cfg.RiskTiers()
	if err != nil {
		return fmt.Errorf("risk tiers: %w", err)
	}
	ruleOpts := []rules.Option{
		rules.WithClock(a.clock),
		rules.WithLogger(log.Named("rules")),
		rules.WithAuditor(a.hub),
	}
	if len(tiers) > 0 {
		ruleOpts = append(ruleOpts, rules.WithTiers(tiers))
	}
	composer := rules.NewComposer(a.store, runner, ruleOpts...)
	a.reviewer = rules.NewReviewer(a.store, runner, ruleOpts...)
	a.arbiter = rules.NewArbiter(a.store, runner, ruleOpts...)

	adapter := discovery.NewAdapter(a.store, a.fetch, runner, discovery.AdapterConfig{
		MinConfidence: a.cfg.Drift.AdaptMinConfidence,
		SampleRunes:   a.cfg.Drift.AdaptSampleRunes,
	}, log.Named("selector_adapter"), a.hub)

	handlers := worker.Handlers{
		OCR:     a.evidence,
		Extract: extractor,
		Adapt:   adapter,
		Compose: composer,
		Review:  a.reviewer,
		Arbiter: a.arbiter,
	}
	if a.cfg.Embedding.Enabled {
		emb, err := a.setupEmbedding()
		if err != nil {
			return err
		}
		handlers.Embedding = emb
	}
	a.worker = worker.New(handlers, worker.Config{
		TaskTimeout:   a.cfg.Pipeline.TaskTimeout,
		ConflictBatch: a.cfg.Pipeline.ConflictBatch,
	}, log.Named("worker"))
	a.dispatch = dispatcher.New(a.queue, a.worker.Handle, a.consumers, log.Named("dispatcher"))

	checks := map[string]api.Pinger{"store": a.store}
	if a.redis != nil {
		checks["redis"] = a.redis
	}
	backlog := api.NewBacklogHandler(a.reviewer, a.arbiter, a.store, a.store, log.Named("backlog"))
	a.apiServer = api.NewServer(backlog, checks, api.Config{APIKey: a.cfg.Server.APIKey}, log.Named("api"))
	return nil
}

// setupEmbedding wires the near-duplicate worker. Anthropic has no embedding
// endpoint, so embeddings always go through the HTTP backend.
func (a *App) setupEmbedding() (*embedding.Worker, error) {
	var err error
	a.qdrant, err = embedding.NewQdrantIndex(embedding.QdrantConfig{
		Host:       a.cfg.Embedding.Qdrant.Host,
		Port:       a.cfg.Embedding.Qdrant.Port,
		APIKey:     a.cfg.Embedding.Qdrant.APIKey,
		UseTLS:     a.cfg.Embedding.Qdrant.UseTLS,
		Collection: a.cfg.Embedding.Qdrant.Collection,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant init failed: %w", err)
	}
	baseURL := a.cfg.Embedding.BaseURL
	if baseURL == "" {
		baseURL = a.cfg.LLM.BaseURL
	}
	embedder := llm.NewHTTPClient(llm.Config{
		BaseURL:        baseURL,
		EmbeddingModel: a.cfg.Embedding.Model,
		Timeout:        a.cfg.LLM.Timeout,
	})
	a.logger.Info("near-duplicate detection enabled",
		zap.String("qdrant", a.cfg.Embedding.Qdrant.Host),
		zap.String("model", a.cfg.Embedding.Model))
	return embedding.NewWorker(a.evidence, embedder, a.qdrant, a.store, embedding.Config{
		Threshold: a.cfg.Embedding.Threshold,
		Neighbors: a.cfg.Embedding.Neighbors,
		MaxRunes:  a.cfg.Embedding.MaxRunes,
	}, embedding.WithClock(a.clock), embedding.WithLogger(a.logger.Named("embedding")), embedding.WithAuditor(a.hub)), nil
}

// CycleReport summarizes one discovery plus scan cycle.
type CycleReport struct {
	CycleID   string
	Discovery discovery.CycleReport
	Scan      scheduler.Report
}

// Discover runs one discovery cycle followed by one scan of due items.
func (a *App) Discover(ctx context.Context) (CycleReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "server.Discover")
	defer span.End()

	report := CycleReport{CycleID: idgen.MustNewID()}
	logger := a.logger.With(zap.String("cycle_id", report.CycleID))
	started := a.clock.Now()

	var err error
	report.Discovery, err = a.scanner.Run(ctx, report.CycleID)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("discovery cycle: %w", err)
	}
	logger.Info("discovery finished",
		zap.Int("endpoints", len(report.Discovery.Results)),
		zap.Int("failed", report.Discovery.Failed))

	report.Scan, err = a.scheduler.Run(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("scan cycle: %w", err)
	}
	logger.Info("scan finished",
		zap.Int("due", report.Scan.Due),
		zap.Int("processed", report.Scan.Processed),
		zap.Int("changed", report.Scan.Changed),
		zap.Int("failed", report.Scan.Failed),
		zap.Duration("duration", a.clock.Now().Sub(started)))
	return report, nil
}

// Drain processes in-memory tasks until the queue stays empty with nothing in
// flight for two consecutive polls. Other backends have their own consumers,
// so Drain returns immediately for them.
func (a *App) Drain(ctx context.Context, poll time.Duration) error {
	if a.memQueue == nil {
		return nil
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	var inFlight atomic.Int64
	handler := func(ctx context.Context, task model.Task) error {
		inFlight.Add(1)
		defer inFlight.Add(-1)
		return a.worker.Handle(ctx, task)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- dispatcher.New(a.queue, handler, a.consumers, a.logger.Named("drain")).Run(runCtx)
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	idle := 0
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			return nil
		case <-ticker.C:
			if a.memQueue.Len() == 0 && inFlight.Load() == 0 {
				idle++
			} else {
				idle = 0
			}
			if idle < 2 {
				continue
			}
			cancel()
			<-done
			a.logger.Info("task queue drained", zap.Int("dead_letters", len(a.memQueue.DeadLetters())))
			return ctx.Err()
		}
	}
}

// Work consumes queued tasks until ctx ends or SIGINT/SIGTERM arrives.
func (a *App) Work(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("workers started", zap.Int("consumers", a.consumers))
	err := a.dispatch.Run(ctx)
	a.logger.Info("workers stopped")
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

// Run serves the ops HTTP API, runs the workers and, when configured, runs
// discovery cycles on a ticker. It blocks until ctx ends or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("consumers", a.consumers))
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher stopped", zap.Error(err))
			stop()
		}
	}()

	if interval := a.cfg.Scheduler.CycleInterval; interval > 0 {
		go a.cycleLoop(ctx, interval)
	}

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

func (a *App) cycleLoop(ctx context.Context, interval time.Duration) {
	a.logger.Info("discovery cycles scheduled", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Discover(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("discovery cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ApproveBaseline marks an endpoint's pending structural baseline as approved.
func (a *App) ApproveBaseline(ctx context.Context, endpointID, approver string) error {
	if err := a.drift.ApproveBaseline(ctx, endpointID, approver); err != nil {
		return fmt.Errorf("approve baseline: %w", err)
	}
	a.logger.Info("baseline approved", zap.String("endpoint_id", endpointID), zap.String("approver", approver))
	return nil
}

// PendingTasks reports tasks still buffered in the in-memory queue. It is
// always zero for external backends.
func (a *App) PendingTasks() int {
	if a.memQueue == nil {
		return 0
	}
	return a.memQueue.Len()
}

// ApproveRule records a human approval and releases the rule.
func (a *App) ApproveRule(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error) {
	rule, err := a.reviewer.Approve(ctx, ruleID, reviewer, notes)
	if err != nil {
		return rule, fmt.Errorf("approve rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// RejectRule records a human rejection.
func (a *App) RejectRule(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error) {
	rule, err := a.reviewer.Reject(ctx, ruleID, reviewer, notes)
	if err != nil {
		return rule, fmt.Errorf("reject rule %s: %w", ruleID, err)
	}
	return rule, nil
}

// ImportReferences loads a reference-table CSV export.
func (a *App) ImportReferences(ctx context.Context, in io.Reader, sourceURL string) (extract.ReferenceResult, error) {
	res, err := a.reference.ImportCSV(ctx, in, sourceURL)
	if err != nil {
		return res, fmt.Errorf("import references: %w", err)
	}
	return res, nil
}

// ExtractReferences runs the reference extractor over one evidence row.
func (a *App) ExtractReferences(ctx context.Context, evidenceID string) (extract.ReferenceResult, error) {
	res, err := a.reference.ExtractEvidence(ctx, evidenceID)
	if err != nil {
		return res, fmt.Errorf("extract references from %s: %w", evidenceID, err)
	}
	return res, nil
}

// Close gracefully shuts down the application. Safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("audit hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.qdrant != nil {
		if err := a.qdrant.Close(); err != nil {
			a.logger.Warn("qdrant close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
