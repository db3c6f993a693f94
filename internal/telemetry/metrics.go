// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_fetches_total",
			Help: "Fetch attempts, labeled by domain and outcome.",
		},
		[]string{"domain", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_fetch_bytes_total",
			Help: "Bytes fetched, labeled by domain.",
		},
		[]string{"domain"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regwatch_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-domain rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	circuitOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_circuit_open_total",
			Help: "Requests rejected because the domain circuit was open.",
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_http_requests_total",
			Help: "Ops HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regwatch_http_request_duration_seconds",
			Help:    "Ops HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	discoveredItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_discovered_items_total",
			Help: "New items persisted by discovery, labeled by strategy.",
		},
		[]string{"strategy"},
	)

	driftAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_drift_alerts_total",
			Help: "Structural drift alerts, labeled by domain.",
		},
		[]string{"domain"},
	)

	evidenceCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_evidence_captures_total",
			Help: "Evidence captures, labeled by content class and whether the row was new or reused.",
		},
		[]string{"class", "result"},
	)

	agentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_agent_runs_total",
			Help: "Agent runs, labeled by agent type and final status.",
		},
		[]string{"agent_type", "status"},
	)

	agentRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "regwatch_agent_run_duration_seconds",
			Help:    "Agent run wall time including retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent_type"},
	)

	extractionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_extraction_rejections_total",
			Help: "Dead-lettered claims, labeled by rejection reason.",
		},
		[]string{"reason"},
	)

	sourcePointersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regwatch_source_pointers_total",
			Help: "Validated source pointers written.",
		},
	)

	ruleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_rule_transitions_total",
			Help: "Rule state transitions.",
		},
		[]string{"from", "to"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "regwatch_tasks_total",
			Help: "Background tasks processed, labeled by kind and status.",
		},
		[]string{"kind", "status"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "regwatch_active_workers",
			Help: "Workers currently processing a task.",
		},
	)

	nearDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "regwatch_near_duplicates_total",
			Help: "Evidence rows linked to a near-duplicate capture from another URL.",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lower-cased hostname from a URL or bare host.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveFetch records one fetch outcome.
func ObserveFetch(domain, outcome string, bytesFetched int) {
	fetchesTotal.WithLabelValues(domain, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveCircuitOpen records a request rejected by an open domain circuit.
func ObserveCircuitOpen(domain string) {
	circuitOpenTotal.WithLabelValues(domain).Inc()
}

// ObserveHTTPRequest records metrics for an ops HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDiscovered records newly persisted items.
func ObserveDiscovered(strategy string, n int) {
	if n > 0 {
		discoveredItemsTotal.WithLabelValues(strategy).Add(float64(n))
	}
}

// ObserveDriftAlert records a drift alert.
func ObserveDriftAlert(domain string) {
	driftAlertsTotal.WithLabelValues(domain).Inc()
}

// ObserveEvidenceCapture records an evidence capture.
func ObserveEvidenceCapture(class string, reused bool) {
	result := "new"
	if reused {
		result = "reused"
	}
	evidenceCapturesTotal.WithLabelValues(class, result).Inc()
}

// ObserveAgentRun records a finished agent run.
func ObserveAgentRun(agentType, status string, duration time.Duration) {
	agentRunsTotal.WithLabelValues(agentType, status).Inc()
	agentRunDurationSeconds.WithLabelValues(agentType).Observe(duration.Seconds())
}

// ObserveRejection records a dead-lettered claim.
func ObserveRejection(reason string) {
	extractionRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObservePointers records validated pointers written.
func ObservePointers(n int) {
	if n > 0 {
		sourcePointersTotal.Add(float64(n))
	}
}

// ObserveRuleTransition records a rule state change.
func ObserveRuleTransition(from, to string) {
	ruleTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveTask records a processed task.
func ObserveTask(kind, status string) {
	tasksTotal.WithLabelValues(kind, status).Inc()
}

// ObserveNearDuplicate records a detected near-duplicate.
func ObserveNearDuplicate() {
	nearDuplicatesTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
