// Package config loads and validates regwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/ocr"
)

// EnvPrefix namespaces environment overrides, e.g. REGWATCH_STORE_DSN.
const EnvPrefix = "REGWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Drift     DriftConfig     `mapstructure:"drift"`
	Agent     AgentConfig     `mapstructure:"agent"`
	LLM       LLMConfig       `mapstructure:"llm"`
	OCR       ocr.Config      `mapstructure:"ocr"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey guards the /v1 routes when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BlobConfig selects where raw evidence bytes are written.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// QueueConfig selects the task queue and its idempotency guard.
type QueueConfig struct {
	Backend        string        `mapstructure:"backend"`
	Capacity       int           `mapstructure:"capacity"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	PubSub         PubSubConfig  `mapstructure:"pubsub"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// PubSubConfig names the topic and subscription carrying tasks.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// RedisConfig enables the shared idempotency guard when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig tunes per-domain politeness.
type RateLimitConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	MinDelay        time.Duration `mapstructure:"min_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	ErrorThreshold  int           `mapstructure:"error_threshold"`
	ErrorResetAfter time.Duration `mapstructure:"error_reset_after"`
}

// FetchConfig configures the HTTP fetch client and its retry behavior.
type FetchConfig struct {
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	Blocklist        []string      `mapstructure:"blocklist"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// SettleDelay is the pause after load for pages with no item selector to wait for.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	// ItemWait bounds the wait for a listing's item selector to appear.
	ItemWait time.Duration `mapstructure:"item_wait"`
	// MinVisibleText is the rune count below which a script-driven page is
	// treated as an unrendered shell.
	MinVisibleText int `mapstructure:"min_visible_text"`
}

// DiscoveryConfig tunes the discovery scanner. Endpoints are created in the
// store on startup when no endpoint with the same ID exists yet.
type DiscoveryConfig struct {
	Concurrency int            `mapstructure:"concurrency"`
	Endpoints   []EndpointSeed `mapstructure:"endpoints"`
}

// EndpointSeed declares one discovery endpoint.
type EndpointSeed struct {
	ID                   string   `mapstructure:"id"`
	Domain               string   `mapstructure:"domain"`
	URL                  string   `mapstructure:"url"`
	Strategy             string   `mapstructure:"strategy"`
	FreshnessRisk        string   `mapstructure:"freshness_risk"`
	Disabled             bool     `mapstructure:"disabled"`
	MaxDepth             int      `mapstructure:"max_depth"`
	SitemapTypes         []string `mapstructure:"sitemap_types"`
	URLPattern           string   `mapstructure:"url_pattern"`
	ItemSelector         string   `mapstructure:"item_selector"`
	TitleSelector        string   `mapstructure:"title_selector"`
	DateSelector         string   `mapstructure:"date_selector"`
	NextSelector         string   `mapstructure:"next_selector"`
	MaxPages             int      `mapstructure:"max_pages"`
	MaxURLs              int      `mapstructure:"max_urls"`
	Include              []string `mapstructure:"include"`
	Exclude              []string `mapstructure:"exclude"`
	RenderJS             bool     `mapstructure:"render_js"`
	FingerprintSelectors []string `mapstructure:"fingerprint_selectors"`
}

// Endpoint converts the seed into a store entity. Domain defaults to the URL host.
func (e EndpointSeed) Endpoint() (model.DiscoveryEndpoint, error) {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return model.DiscoveryEndpoint{}, fmt.Errorf("endpoint %s: invalid url %q", e.ID, e.URL)
	}
	strategy := model.Strategy(strings.ToLower(e.Strategy))
	switch strategy {
	case model.StrategySitemap, model.StrategyRSS, model.StrategyListing, model.StrategyCrawl:
	default:
		return model.DiscoveryEndpoint{}, fmt.Errorf("endpoint %s: unknown strategy %q", e.ID, e.Strategy)
	}
	risk := model.FreshnessRisk(strings.ToUpper(e.FreshnessRisk))
	switch risk {
	case "":
		risk = model.FreshnessMedium
	case model.FreshnessCritical, model.FreshnessHigh, model.FreshnessMedium, model.FreshnessLow:
	default:
		return model.DiscoveryEndpoint{}, fmt.Errorf("endpoint %s: unknown freshness_risk %q", e.ID, e.FreshnessRisk)
	}
	domain := e.Domain
	if domain == "" {
		domain = strings.ToLower(u.Hostname())
	}
	return model.DiscoveryEndpoint{
		ID:            e.ID,
		Domain:        domain,
		URL:           e.URL,
		Strategy:      strategy,
		FreshnessRisk: risk,
		Enabled:       !e.Disabled,
		Options: model.EndpointOptions{
			MaxDepth:             e.MaxDepth,
			SitemapTypes:         e.SitemapTypes,
			URLPattern:           e.URLPattern,
			ItemSelector:         e.ItemSelector,
			TitleSelector:        e.TitleSelector,
			DateSelector:         e.DateSelector,
			NextSelector:         e.NextSelector,
			MaxPages:             e.MaxPages,
			MaxURLs:              e.MaxURLs,
			Include:              e.Include,
			Exclude:              e.Exclude,
			RenderJS:             e.RenderJS,
			FingerprintSelectors: e.FingerprintSelectors,
		},
	}, nil
}

// SchedulerConfig tunes the scan cycle over due items.
type SchedulerConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	ItemLimit     int `mapstructure:"item_limit"`
	MaxItemErrors int `mapstructure:"max_item_errors"`
	// CycleInterval makes serve run discovery cycles on a ticker. Zero disables it.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
}

// DriftConfig tunes structural drift detection and selector adaptation.
type DriftConfig struct {
	Threshold          float64 `mapstructure:"threshold"`
	AdaptMinConfidence float64 `mapstructure:"adapt_min_confidence"`
	AdaptSampleRunes   int     `mapstructure:"adapt_sample_runes"`
}

// AgentConfig tunes the agent runner. Timeouts are keyed by agent type.
type AgentConfig struct {
	InitialBackoff   time.Duration            `mapstructure:"initial_backoff"`
	RateLimitBackoff time.Duration            `mapstructure:"rate_limit_backoff"`
	Timeouts         map[string]time.Duration `mapstructure:"timeouts"`
}

// LLMConfig selects the completion backend.
type LLMConfig struct {
	Provider  string        `mapstructure:"provider"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig enables near-duplicate detection.
type EmbeddingConfig struct {
	Enabled   bool         `mapstructure:"enabled"`
	BaseURL   string       `mapstructure:"base_url"`
	Model     string       `mapstructure:"model"`
	Threshold float64      `mapstructure:"threshold"`
	Neighbors int          `mapstructure:"neighbors"`
	MaxRunes  int          `mapstructure:"max_runes"`
	Qdrant    QdrantConfig `mapstructure:"qdrant"`
}

// QdrantConfig addresses the vector index.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
}

// PipelineConfig governs the task workers and the extraction/rule stages.
type PipelineConfig struct {
	Workers           int                 `mapstructure:"workers"`
	TaskTimeout       time.Duration       `mapstructure:"task_timeout"`
	ConflictBatch     int                 `mapstructure:"conflict_batch"`
	InlineLimit       int                 `mapstructure:"inline_limit"`
	CoverageThreshold float64             `mapstructure:"coverage_threshold"`
	RiskTiers         map[string]string   `mapstructure:"risk_tiers"`
	Expectations      map[string][]string `mapstructure:"expectations"`
}

// AuditConfig tunes the audit event hub.
type AuditConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	StoreChunk     int           `mapstructure:"store_chunk"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional file, an optional .env file and the
// environment. Variables already present in the environment win over .env.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", time.Hour)
	v.SetDefault("store.migrate", true)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local_dir", "data/evidence")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.idempotency_ttl", 24*time.Hour)
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "regwatch-tasks")
	v.SetDefault("queue.pubsub.subscription", "regwatch-tasks-worker")
	v.SetDefault("queue.redis.addr", "")
	v.SetDefault("queue.redis.password", "")
	v.SetDefault("queue.redis.db", 0)
	v.SetDefault("ratelimit.max_concurrent", 1)
	v.SetDefault("ratelimit.min_delay", time.Second)
	v.SetDefault("ratelimit.max_delay", 3*time.Second)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.error_threshold", 5)
	v.SetDefault("ratelimit.error_reset_after", 24*time.Hour)
	v.SetDefault("fetch.user_agent", "regwatch/0.1 (+https://github.com/JakeFAU/regwatch)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", time.Second)
	v.SetDefault("fetch.max_backoff", 30*time.Second)
	v.SetDefault("fetch.rate_limit_backoff", 60*time.Second)
	v.SetDefault("fetch.max_body_bytes", 20<<20)
	v.SetDefault("fetch.blocklist", []string{"example.com", "*.example.com", "localhost"})
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.item_wait", 10*time.Second)
	v.SetDefault("headless.min_visible_text", 200)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.item_limit", 500)
	v.SetDefault("scheduler.max_item_errors", 0)
	v.SetDefault("scheduler.cycle_interval", 0)
	v.SetDefault("drift.threshold", 30.0)
	v.SetDefault("drift.adapt_min_confidence", 0.8)
	v.SetDefault("drift.adapt_sample_runes", 20000)
	v.SetDefault("agent.initial_backoff", time.Second)
	v.SetDefault("agent.rate_limit_backoff", 30*time.Second)
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3.1")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.endpoint", "")
	v.SetDefault("ocr.model", "")
	v.SetDefault("ocr.api_key", "")
	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.threshold", 0.95)
	v.SetDefault("embedding.neighbors", 5)
	v.SetDefault("embedding.max_runes", 8000)
	v.SetDefault("embedding.qdrant.host", "localhost")
	v.SetDefault("embedding.qdrant.port", 6334)
	v.SetDefault("embedding.qdrant.api_key", "")
	v.SetDefault("embedding.qdrant.use_tls", false)
	v.SetDefault("embedding.qdrant.collection", "regwatch_evidence")
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.task_timeout", 10*time.Minute)
	v.SetDefault("pipeline.conflict_batch", 20)
	v.SetDefault("pipeline.inline_limit", 0)
	v.SetDefault("pipeline.coverage_threshold", 0.5)
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.max_batch_events", 100)
	v.SetDefault("audit.max_batch_wait", 2*time.Second)
	v.SetDefault("audit.sink_timeout", 5*time.Second)
	v.SetDefault("audit.store_chunk", 500)
	v.SetDefault("telemetry.service_name", "regwatch")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.driver is postgres")
		}
	default:
		return fmt.Errorf("store.driver %q must be memory or postgres", c.Store.Driver)
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set when blob.backend is local")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.backend is gcs")
		}
	default:
		return fmt.Errorf("blob.backend %q must be memory, local or gcs", c.Blob.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return fmt.Errorf("queue.capacity must be > 0")
		}
	case "pubsub":
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic must be set when queue.backend is pubsub")
		}
	default:
		return fmt.Errorf("queue.backend %q must be memory or pubsub", c.Queue.Backend)
	}
	if c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("ratelimit.max_delay must be >= ratelimit.min_delay")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Drift.Threshold <= 0 || c.Drift.Threshold > 100 {
		return fmt.Errorf("drift.threshold must be in (0, 100]")
	}
	if c.Embedding.Enabled && c.Embedding.Qdrant.Host == "" {
		return fmt.Errorf("embedding.qdrant.host must be set when embedding is enabled")
	}
	seen := make(map[string]bool, len(c.Discovery.Endpoints))
	for _, seed := range c.Discovery.Endpoints {
		if seed.ID == "" {
			return fmt.Errorf("discovery.endpoints: every endpoint needs an id")
		}
		if seen[seed.ID] {
			return fmt.Errorf("discovery.endpoints: duplicate id %q", seed.ID)
		}
		seen[seed.ID] = true
		if _, err := seed.Endpoint(); err != nil {
			return fmt.Errorf("discovery.endpoints: %w", err)
		}
	}
	if _, err := c.RiskTiers(); err != nil {
		return err
	}
	if _, err := c.AgentTimeouts(); err != nil {
		return err
	}
	return nil
}

// RiskTiers parses pipeline.risk_tiers into concept slug -> tier.
func (c Config) RiskTiers() (map[string]model.RiskTier, error) {
	if len(c.Pipeline.RiskTiers) == 0 {
		return nil, nil
	}
	out := make(map[string]model.RiskTier, len(c.Pipeline.RiskTiers))
	for slug, raw := range c.Pipeline.RiskTiers {
		tier, err := model.ParseRiskTier(raw)
		if err != nil {
			return nil, fmt.Errorf("pipeline.risk_tiers.%s: %w", slug, err)
		}
		out[slug] = tier
	}
	return out, nil
}

// AgentTimeouts converts agent.timeouts into per-type durations.
func (c Config) AgentTimeouts() (map[model.AgentType]time.Duration, error) {
	if len(c.Agent.Timeouts) == 0 {
		return nil, nil
	}
	known := map[model.AgentType]bool{
		model.AgentExtractor:          true,
		model.AgentReferenceExtractor: true,
		model.AgentComposer:           true,
		model.AgentReviewer:           true,
		model.AgentArbiter:            true,
		model.AgentSelectorAdapter:    true,
		model.AgentContentClassifier:  true,
	}
	out := make(map[model.AgentType]time.Duration, len(c.Agent.Timeouts))
	for name, d := range c.Agent.Timeouts {
		t := model.AgentType(name)
		if !known[t] {
			return nil, fmt.Errorf("agent.timeouts: unknown agent type %q", name)
		}
		if d <= 0 {
			return nil, fmt.Errorf("agent.timeouts.%s must be > 0", name)
		}
		out[t] = d
	}
	return out, nil
}
