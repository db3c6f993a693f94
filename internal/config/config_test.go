package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
)

func missingEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Blob.Backend)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.True(t, cfg.Fetch.RespectRobots)
	assert.Contains(t, cfg.Fetch.Blocklist, "*.example.com")
	assert.InDelta(t, 30.0, cfg.Drift.Threshold, 1e-9)
	assert.Equal(t, "local", cfg.OCR.Provider)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 10*time.Second, cfg.Headless.ItemWait)
	assert.Equal(t, 200, cfg.Headless.MinVisibleText)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: warn
store:
  driver: postgres
  dsn: postgres://regwatch@localhost/regwatch
  max_conns: 4
blob:
  backend: local
  local_dir: /var/lib/regwatch
queue:
  backend: pubsub
  pubsub:
    project_id: regwatch-prod
    topic: tasks
  redis:
    addr: localhost:6379
ratelimit:
  min_delay: 2s
  max_delay: 5s
fetch:
  timeout: 45s
  blocklist: ["test.gov.hr"]
headless:
  enabled: true
  max_parallel: 2
  item_wait: 4s
agent:
  timeouts:
    extractor: 3m
    reviewer: 45s
pipeline:
  workers: 6
  risk_tiers:
    vat-standard-rate: t0
    filing-deadline: T2
  expectations:
    tax_rate_notice: [rate, effective_date]
ocr:
  provider: mistral
  api_key: k
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(4), cfg.Store.MaxConns)
	assert.Equal(t, "/var/lib/regwatch", cfg.Blob.LocalDir)
	assert.Equal(t, "regwatch-prod", cfg.Queue.PubSub.ProjectID)
	assert.Equal(t, "localhost:6379", cfg.Queue.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.MaxDelay)
	assert.Equal(t, 45*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, []string{"test.gov.hr"}, cfg.Fetch.Blocklist)
	assert.Equal(t, 6, cfg.Pipeline.Workers)
	assert.Equal(t, 4*time.Second, cfg.Headless.ItemWait)
	assert.Equal(t, []string{"rate", "effective_date"}, cfg.Pipeline.Expectations["tax_rate_notice"])
	assert.Equal(t, "mistral", cfg.OCR.Provider)

	tiers, err := cfg.RiskTiers()
	require.NoError(t, err)
	assert.Equal(t, model.TierT0, tiers["vat-standard-rate"])
	assert.Equal(t, model.TierT2, tiers["filing-deadline"])

	timeouts, err := cfg.AgentTimeouts()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, timeouts[model.AgentExtractor])
	assert.Equal(t, 45*time.Second, timeouts[model.AgentReviewer])
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REGWATCH_SERVER_PORT", "7070")
	t.Setenv("REGWATCH_LLM_PROVIDER", "anthropic")

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("REGWATCH_LLM_MODEL=claude-from-dotenv\nREGWATCH_SERVER_PORT=1\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("REGWATCH_LLM_MODEL") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port, "process environment wins over .env")
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-from-dotenv", cfg.LLM.Model)
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("", missingEnvFile(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"gcs without bucket", func(c *Config) { c.Blob.Backend = "gcs" }, "blob.gcs_bucket"},
		{"pubsub without project", func(c *Config) { c.Queue.Backend = "pubsub" }, "queue.pubsub"},
		{"inverted delays", func(c *Config) { c.RateLimit.MaxDelay = 0 }, "ratelimit.max_delay"},
		{"headless without parallelism", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"drift out of range", func(c *Config) { c.Drift.Threshold = 120 }, "drift.threshold"},
		{"bad tier", func(c *Config) { c.Pipeline.RiskTiers = map[string]string{"vat": "T9"} }, "pipeline.risk_tiers.vat"},
		{"unknown agent timeout", func(c *Config) {
			c.Agent.Timeouts = map[string]time.Duration{"summarizer": time.Minute}
		}, "unknown agent type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Agent.Timeouts = nil
			cfg.Pipeline.RiskTiers = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEndpointSeeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
discovery:
  endpoints:
    - id: porezna-news
      url: https://www.porezna-uprava.hr/vijesti
      strategy: listing
      freshness_risk: high
      item_selector: "ul.news li a"
      render_js: true
    - id: nn-sitemap
      url: https://narodne-novine.nn.hr/sitemap.xml
      strategy: sitemap
      disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, missingEnvFile(t))
	require.NoError(t, err)
	require.Len(t, cfg.Discovery.Endpoints, 2)

	ep, err := cfg.Discovery.Endpoints[0].Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "www.porezna-uprava.hr", ep.Domain)
	assert.Equal(t, model.StrategyListing, ep.Strategy)
	assert.Equal(t, model.FreshnessHigh, ep.FreshnessRisk)
	assert.Equal(t, "ul.news li a", ep.Options.ItemSelector)
	assert.True(t, ep.Options.RenderJS)
	assert.True(t, ep.Enabled)

	ep, err = cfg.Discovery.Endpoints[1].Endpoint()
	require.NoError(t, err)
	assert.False(t, ep.Enabled)
	assert.Equal(t, model.FreshnessMedium, ep.FreshnessRisk)
}

func TestEndpointSeedRejectsUnknownStrategy(t *testing.T) {
	t.Parallel()

	_, err := EndpointSeed{ID: "x", URL: "https://gov.hr", Strategy: "graphql"}.Endpoint()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")

	_, err = EndpointSeed{ID: "y", URL: "not a url", Strategy: "rss"}.Endpoint()
	require.Error(t, err)
}
