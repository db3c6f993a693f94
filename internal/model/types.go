// Package model defines the entities shared by the discovery, evidence and rule pipelines.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by repositories.
var (
	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a unique-constraint collision.
	ErrConflict = errors.New("record already exists")
)

// RiskTier classifies the stakes of a regulatory concept. T0 is the highest.
type RiskTier string

// Supported risk tiers.
const (
	TierT0 RiskTier = "T0"
	TierT1 RiskTier = "T1"
	TierT2 RiskTier = "T2"
	TierT3 RiskTier = "T3"
)

// ParseRiskTier validates a raw tier label.
func ParseRiskTier(raw string) (RiskTier, error) {
	switch t := RiskTier(strings.ToUpper(strings.TrimSpace(raw))); t {
	case TierT0, TierT1, TierT2, TierT3:
		return t, nil
	default:
		return "", fmt.Errorf("unknown risk tier %q", raw)
	}
}

// RequiresHumanReview reports whether rules in this tier are always human gated.
func (t RiskTier) RequiresHumanReview() bool {
	return t == TierT0 || t == TierT1
}

// FreshnessRisk drives the base rescan interval of a discovered item.
type FreshnessRisk string

// Freshness risk levels, highest first.
const (
	FreshnessCritical FreshnessRisk = "CRITICAL"
	FreshnessHigh     FreshnessRisk = "HIGH"
	FreshnessMedium   FreshnessRisk = "MEDIUM"
	FreshnessLow      FreshnessRisk = "LOW"
)

// Rank orders freshness levels; lower ranks are scanned first.
func (f FreshnessRisk) Rank() int {
	switch f {
	case FreshnessCritical:
		return 0
	case FreshnessHigh:
		return 1
	case FreshnessMedium:
		return 2
	default:
		return 3
	}
}

// HierarchyLevel locates a source in the jurisdiction hierarchy.
type HierarchyLevel string

// Hierarchy levels.
const (
	LevelSupranational HierarchyLevel = "supranational"
	LevelNational      HierarchyLevel = "national"
	LevelRegional      HierarchyLevel = "regional"
	LevelLocal         HierarchyLevel = "local"
)

// RegulatorySource is a trusted origin identified by its domain.
type RegulatorySource struct {
	ID             string         `json:"id"`
	Domain         string         `json:"domain"`
	Name           string         `json:"name"`
	HierarchyLevel HierarchyLevel `json:"hierarchy_level"`
	AutoCreated    bool           `json:"auto_created"`
	CreatedAt      time.Time      `json:"created_at"`
	LastFetchedAt  *time.Time     `json:"last_fetched_at,omitempty"`
	LastChangedAt  *time.Time     `json:"last_changed_at,omitempty"`
}

// Strategy names a discovery strategy.
type Strategy string

// Discovery strategies.
const (
	StrategySitemap Strategy = "sitemap"
	StrategyRSS     Strategy = "rss"
	StrategyListing Strategy = "listing"
	StrategyCrawl   Strategy = "crawl"
)

// EndpointOptions carries the per-strategy knobs of a discovery endpoint.
type EndpointOptions struct {
	MaxDepth             int        `json:"max_depth,omitempty"`
	SitemapTypes         []string   `json:"sitemap_types,omitempty"`
	URLPattern           string     `json:"url_pattern,omitempty"`
	Since                *time.Time `json:"since,omitempty"`
	Until                *time.Time `json:"until,omitempty"`
	ItemSelector         string     `json:"item_selector,omitempty"`
	TitleSelector        string     `json:"title_selector,omitempty"`
	DateSelector         string     `json:"date_selector,omitempty"`
	NextSelector         string     `json:"next_selector,omitempty"`
	MaxPages             int        `json:"max_pages,omitempty"`
	MaxURLs              int        `json:"max_urls,omitempty"`
	Include              []string   `json:"include,omitempty"`
	Exclude              []string   `json:"exclude,omitempty"`
	RenderJS             bool       `json:"render_js,omitempty"`
	RenderSettleMS       int        `json:"render_settle_ms,omitempty"`
	FingerprintSelectors []string   `json:"fingerprint_selectors,omitempty"`
}

// Fingerprint is a structural signature of a page.
type Fingerprint struct {
	TagCounts     map[string]int `json:"tag_counts"`
	TotalElements int            `json:"total_elements"`
	ContentRatio  float64        `json:"content_ratio"`
}

// BaselineStatus tracks human approval of a structural baseline.
type BaselineStatus string

// Baseline statuses.
const (
	BaselinePending  BaselineStatus = "pending"
	BaselineApproved BaselineStatus = "approved"
)

// StructuralBaseline is the reference fingerprint drift is measured against.
type StructuralBaseline struct {
	Fingerprint Fingerprint    `json:"fingerprint"`
	Status      BaselineStatus `json:"status"`
	CapturedAt  time.Time      `json:"captured_at"`
	ApprovedAt  *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy  string         `json:"approved_by,omitempty"`
}

// DiscoveryEndpoint is a configured entry point on a source.
type DiscoveryEndpoint struct {
	ID                string              `json:"id"`
	SourceID          string              `json:"source_id"`
	Domain            string              `json:"domain"`
	URL               string              `json:"url"`
	Strategy          Strategy            `json:"strategy"`
	Options           EndpointOptions     `json:"options"`
	FreshnessRisk     FreshnessRisk       `json:"freshness_risk"`
	LastContentHash   string              `json:"last_content_hash,omitempty"`
	ConsecutiveErrors int                 `json:"consecutive_errors"`
	LastError         string              `json:"last_error,omitempty"`
	LastScannedAt     *time.Time          `json:"last_scanned_at,omitempty"`
	Baseline          *StructuralBaseline `json:"baseline,omitempty"`
	Enabled           bool                `json:"enabled"`
}

// ItemStatus is the lifecycle state of a discovered item.
type ItemStatus string

// Item lifecycle: PENDING -> FETCHED -> PROCESSED | FAILED | SKIPPED.
const (
	ItemPending   ItemStatus = "PENDING"
	ItemFetched   ItemStatus = "FETCHED"
	ItemProcessed ItemStatus = "PROCESSED"
	ItemFailed    ItemStatus = "FAILED"
	ItemSkipped   ItemStatus = "SKIPPED"
)

// DiscoveredItem is a candidate URL produced by a discovery endpoint.
type DiscoveredItem struct {
	ID                string        `json:"id"`
	EndpointID        string        `json:"endpoint_id"`
	Domain            string        `json:"domain"`
	URL               string        `json:"url"`
	Title             string        `json:"title,omitempty"`
	PublishedAt       *time.Time    `json:"published_at,omitempty"`
	ContentHash       string        `json:"content_hash,omitempty"`
	ChangeFrequency   float64       `json:"change_frequency"`
	ScanCount         int           `json:"scan_count"`
	FreshnessRisk     FreshnessRisk `json:"freshness_risk"`
	NextScanDue       time.Time     `json:"next_scan_due"`
	Status            ItemStatus    `json:"status"`
	LastScannedAt     *time.Time    `json:"last_scanned_at,omitempty"`
	LastChangedAt     *time.Time    `json:"last_changed_at,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
	EvidenceID        string        `json:"evidence_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// ContentClass is the binary-format classification of captured content.
type ContentClass string

// Content classes.
const (
	ClassHTML       ContentClass = "html"
	ClassXML        ContentClass = "xml"
	ClassJSON       ContentClass = "json"
	ClassPDFText    ContentClass = "pdf_text"
	ClassPDFScanned ContentClass = "pdf_scanned"
	ClassPlain      ContentClass = "plain"
	ClassUnknown    ContentClass = "unknown"
)

// Evidence is an immutable, content-addressed capture of one fetch.
// FollowUpQueuedAt is the only field set after insert besides the primary
// artifact: it stays nil until the OCR or extraction tasks were accepted by the queue.
type Evidence struct {
	ID                    string       `json:"id"`
	SourceID              string       `json:"source_id,omitempty"`
	URL                   string       `json:"url"`
	ContentHash           string       `json:"content_hash"`
	ContentType           string       `json:"content_type"`
	ContentClass          ContentClass `json:"content_class"`
	BlobURI               string       `json:"blob_uri,omitempty"`
	RawContent            string       `json:"raw_content,omitempty"`
	PrimaryTextArtifactID string       `json:"primary_text_artifact_id,omitempty"`
	FetchedAt             time.Time    `json:"fetched_at"`
	FollowUpQueuedAt      *time.Time   `json:"follow_up_queued_at,omitempty"`
}

// ArtifactKind labels how an artifact's text was produced.
type ArtifactKind string

// Artifact kinds.
const (
	ArtifactHTMLText ArtifactKind = "html_text"
	ArtifactPDFText  ArtifactKind = "pdf_text"
	ArtifactOCRText  ArtifactKind = "ocr_text"
	ArtifactXMLText  ArtifactKind = "xml_text"
	ArtifactJSONText ArtifactKind = "json_text"
	ArtifactPlain    ArtifactKind = "plain_text"
)

// EvidenceArtifact is derived text attached to an Evidence row.
type EvidenceArtifact struct {
	ID         string       `json:"id"`
	EvidenceID string       `json:"evidence_id"`
	Kind       ArtifactKind `json:"kind"`
	Text       string       `json:"text"`
	PageCount  int          `json:"page_count,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CoverageReport records how many expected fields an extraction produced.
type CoverageReport struct {
	EvidenceID string    `json:"evidence_id"`
	Expected   []string  `json:"expected"`
	Extracted  []string  `json:"extracted"`
	Score      float64   `json:"score"`
	Incomplete bool      `json:"incomplete"`
	ComputedAt time.Time `json:"computed_at"`
}

// NearDuplicate links an Evidence row to a semantically similar capture from another URL.
type NearDuplicate struct {
	EvidenceID   string    `json:"evidence_id"`
	DuplicateOf  string    `json:"duplicate_of"`
	Similarity   float64   `json:"similarity"`
	DetectedAt   time.Time `json:"detected_at"`
	DuplicateURL string    `json:"duplicate_url"`
}

// SourcePointer is a validated atomic claim with an exact source quote.
type SourcePointer struct {
	ID         string `json:"id"`
	EvidenceID string `json:"evidence_id"`
	// Domain is the regulatory domain of the claim (vat, income_tax, ...), not a host name.
	Domain          string    `json:"domain"`
	ValueType       string    `json:"value_type"`
	ExtractedValue  string    `json:"extracted_value"`
	ExactQuote      string    `json:"exact_quote"`
	ArticleNumber   string    `json:"article_number,omitempty"`
	ParagraphNumber string    `json:"paragraph_number,omitempty"`
	LawReference    string    `json:"law_reference,omitempty"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// RejectionReason tags why an extracted claim was dead-lettered.
type RejectionReason string

// Rejection reasons.
const (
	RejectOutOfRange       RejectionReason = "OUT_OF_RANGE"
	RejectInvalidCurrency  RejectionReason = "INVALID_CURRENCY"
	RejectInvalidDate      RejectionReason = "INVALID_DATE"
	RejectNoQuoteMatch     RejectionReason = "NO_QUOTE_MATCH"
	RejectValidationFailed RejectionReason = "VALIDATION_FAILED"
)

// ExtractionRejected is the dead-letter record of a claim that failed validation.
type ExtractionRejected struct {
	ID          string          `json:"id"`
	EvidenceID  string          `json:"evidence_id"`
	AgentRunID  string          `json:"agent_run_id,omitempty"`
	Reason      RejectionReason `json:"reason"`
	Detail      string          `json:"detail"`
	RawOutput   json.RawMessage `json:"raw_output"`
	Reprocessed bool            `json:"reprocessed"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RuleStatus is the lifecycle state of a regulatory rule.
type RuleStatus string

// Rule lifecycle: DRAFT -> PENDING_REVIEW -> APPROVED | REJECTED.
const (
	RuleDraft         RuleStatus = "DRAFT"
	RulePendingReview RuleStatus = "PENDING_REVIEW"
	RuleApproved      RuleStatus = "APPROVED"
	RuleRejected      RuleStatus = "REJECTED"
)

// RegulatoryRule is the composed, reviewable unit.
type RegulatoryRule struct {
	ID               string     `json:"id"`
	ConceptSlug      string     `json:"concept_slug"`
	Title            string     `json:"title,omitempty"`
	RiskTier         RiskTier   `json:"risk_tier"`
	AppliesWhen      string     `json:"applies_when"`
	Value            string     `json:"value"`
	ValueType        string     `json:"value_type"`
	Confidence       float64    `json:"confidence"`
	Status           RuleStatus `json:"status"`
	SourcePointerIDs []string   `json:"source_pointer_ids"`
	ReviewerNotes    string     `json:"reviewer_notes,omitempty"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	Version          int        `json:"version"`
	Active           bool       `json:"active"`
	SupersedesID     string     `json:"supersedes_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	PublishedAt      *time.Time `json:"published_at,omitempty"`
}

// ConflictStatus tracks arbitration progress.
type ConflictStatus string

// Conflict statuses.
const (
	ConflictOpen      ConflictStatus = "OPEN"
	ConflictResolved  ConflictStatus = "RESOLVED"
	ConflictEscalated ConflictStatus = "ESCALATED"
)

// RuleConflict records two drafts that disagree on the same concept.
type RuleConflict struct {
	ID            string         `json:"id"`
	ConceptSlug   string         `json:"concept_slug"`
	RuleAID       string         `json:"rule_a_id"`
	RuleBID       string         `json:"rule_b_id"`
	Status        ConflictStatus `json:"status"`
	WinningRuleID string         `json:"winning_rule_id,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// AgentType names an LLM agent.
type AgentType string

// Agent types.
const (
	AgentExtractor          AgentType = "extractor"
	AgentReferenceExtractor AgentType = "reference_extractor"
	AgentComposer           AgentType = "composer"
	AgentReviewer           AgentType = "reviewer"
	AgentArbiter            AgentType = "arbiter"
	AgentSelectorAdapter    AgentType = "selector_adapter"
	AgentContentClassifier  AgentType = "content_classifier"
)

// AgentRunStatus is the state of one agent invocation.
type AgentRunStatus string

// Agent run statuses.
const (
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunCompleted AgentRunStatus = "completed"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRun is the audit record of one Agent Runner invocation. Rows are never deleted.
type AgentRun struct {
	ID          string          `json:"id"`
	AgentType   AgentType       `json:"agent_type"`
	Input       json.RawMessage `json:"input"`
	InputHash   string          `json:"input_hash"`
	Output      json.RawMessage `json:"output,omitempty"`
	RawOutput   string          `json:"raw_output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	DurationMs  int64           `json:"duration_ms"`
	Status      AgentRunStatus  `json:"status"`
	EvidenceID  string          `json:"evidence_id,omitempty"`
	RuleID      string          `json:"rule_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ReferenceTable groups lookup entries of one category in one jurisdiction.
type ReferenceTable struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Jurisdiction string    `json:"jurisdiction"`
	SourceURL    string    `json:"source_url"`
	EvidenceID   string    `json:"evidence_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ReferenceEntry is one lookup row, unique by (category, name, jurisdiction).
type ReferenceEntry struct {
	ID           string            `json:"id"`
	TableID      string            `json:"table_id"`
	Category     string            `json:"category" csv:"category"`
	Name         string            `json:"name" csv:"name"`
	Code         string            `json:"code" csv:"code"`
	Jurisdiction string            `json:"jurisdiction" csv:"jurisdiction"`
	Metadata     map[string]string `json:"metadata,omitempty" csv:"-"`
	EvidenceID   string            `json:"evidence_id,omitempty" csv:"-"`
	UpdatedAt    time.Time         `json:"updated_at" csv:"-"`
}

// TaskKind names a unit of background work.
type TaskKind string

// Task kinds.
const (
	TaskOCR                TaskKind = "ocr"
	TaskExtraction         TaskKind = "extraction"
	TaskEmbedding          TaskKind = "embedding"
	TaskSelectorAdaptation TaskKind = "selector_adaptation"
	TaskCompose            TaskKind = "compose"
)

// Task is a queued unit of work.
type Task struct {
	Kind           TaskKind        `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempt        int             `json:"attempt"`
}

// NewTask marshals payload into a Task.
func NewTask(kind TaskKind, payload any, key string) (Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Task{Kind: kind, Payload: raw, IdempotencyKey: key}, nil
}

// EvidencePayload is the payload of OCR, extraction and embedding tasks.
type EvidencePayload struct {
	EvidenceID string `json:"evidence_id"`
}

// SelectorAdaptationPayload is the payload of a selector-adaptation task.
type SelectorAdaptationPayload struct {
	EndpointID   string  `json:"endpoint_id"`
	CycleID      string  `json:"cycle_id"`
	DriftPercent float64 `json:"drift_percent"`
}

// ComposePayload is the payload of a compose task.
type ComposePayload struct {
	EvidenceID string   `json:"evidence_id"`
	Concepts   []string `json:"concepts,omitempty"`
}

// AuditEvent is a structured traceability record.
type AuditEvent struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TS         time.Time      `json:"ts"`
}
