package model

import (
	"context"
	"time"
)

// Clock exposes wall time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Auditor records audit events. Implementations must never block callers.
type Auditor interface {
	Emit(evt AuditEvent)
}

// SourceRepository persists regulatory sources.
type SourceRepository interface {
	GetSourceByDomain(ctx context.Context, domain string) (RegulatorySource, error)
	CreateSource(ctx context.Context, src *RegulatorySource) error
	TouchSource(ctx context.Context, id string, fetchedAt time.Time, changed bool) error
}

// EndpointRepository persists discovery endpoints.
type EndpointRepository interface {
	CreateEndpoint(ctx context.Context, ep *DiscoveryEndpoint) error
	ListEndpoints(ctx context.Context) ([]DiscoveryEndpoint, error)
	GetEndpoint(ctx context.Context, id string) (DiscoveryEndpoint, error)
	UpdateEndpoint(ctx context.Context, ep DiscoveryEndpoint) error
}

// ItemRepository persists discovered items.
type ItemRepository interface {
	// UpsertItem inserts the item unless its URL is already known and reports whether a row was created.
	UpsertItem(ctx context.Context, item *DiscoveredItem) (bool, error)
	// DueItems returns items due at or before now ordered by freshness rank then due time.
	DueItems(ctx context.Context, now time.Time, limit int) ([]DiscoveredItem, error)
	UpdateItem(ctx context.Context, item DiscoveredItem) error
}

// EvidenceRepository persists evidence and derived artifacts.
type EvidenceRepository interface {
	FindEvidence(ctx context.Context, url, contentHash string) (Evidence, error)
	GetEvidence(ctx context.Context, id string) (Evidence, error)
	// InsertEvidence returns ErrConflict when (url, content hash) already exists.
	InsertEvidence(ctx context.Context, ev *Evidence) error
	SetPrimaryTextArtifact(ctx context.Context, evidenceID, artifactID string) error
	MarkFollowUpQueued(ctx context.Context, evidenceID string, at time.Time) error
	InsertArtifact(ctx context.Context, art *EvidenceArtifact) error
	GetArtifact(ctx context.Context, id string) (EvidenceArtifact, error)
	SaveCoverage(ctx context.Context, report CoverageReport) error
	SaveNearDuplicate(ctx context.Context, dup NearDuplicate) error
}

// PointerRepository persists validated claims and their dead letters.
type PointerRepository interface {
	InsertPointers(ctx context.Context, pointers []SourcePointer) error
	ListPointersByEvidence(ctx context.Context, evidenceID string) ([]SourcePointer, error)
	GetPointers(ctx context.Context, ids []string) ([]SourcePointer, error)
	InsertRejection(ctx context.Context, rej ExtractionRejected) error
	ListRejections(ctx context.Context, limit int) ([]ExtractionRejected, error)
}

// RuleRepository persists rules and conflicts.
type RuleRepository interface {
	InsertRule(ctx context.Context, rule *RegulatoryRule) error
	GetRule(ctx context.Context, id string) (RegulatoryRule, error)
	UpdateRule(ctx context.Context, rule RegulatoryRule) error
	ListRulesByStatus(ctx context.Context, status RuleStatus, limit int) ([]RegulatoryRule, error)
	// ActiveRule returns the released rule for a concept or ErrNotFound.
	ActiveRule(ctx context.Context, conceptSlug string) (RegulatoryRule, error)
	// ReleaseRule marks ruleID active and deactivates any prior active rule for the same concept.
	ReleaseRule(ctx context.Context, ruleID string, at time.Time) (RegulatoryRule, error)
	InsertConflict(ctx context.Context, c *RuleConflict) error
	UpdateConflict(ctx context.Context, c RuleConflict) error
	ListConflicts(ctx context.Context, status ConflictStatus, limit int) ([]RuleConflict, error)
}

// AgentRunRepository persists agent invocations.
type AgentRunRepository interface {
	InsertAgentRun(ctx context.Context, run *AgentRun) error
	UpdateAgentRun(ctx context.Context, run AgentRun) error
	GetAgentRun(ctx context.Context, id string) (AgentRun, error)
}

// ReferenceRepository persists lookup tables.
type ReferenceRepository interface {
	UpsertReferenceTable(ctx context.Context, table *ReferenceTable) error
	// UpsertReferenceEntries upserts by (category, name, jurisdiction) and returns rows written.
	UpsertReferenceEntries(ctx context.Context, entries []ReferenceEntry) (int, error)
	ListReferenceEntries(ctx context.Context, category, jurisdiction string) ([]ReferenceEntry, error)
}

// AuditRepository persists audit events in batches.
type AuditRepository interface {
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
}

// Store aggregates every repository behind one handle.
type Store interface {
	SourceRepository
	EndpointRepository
	ItemRepository
	EvidenceRepository
	PointerRepository
	RuleRepository
	AgentRunRepository
	ReferenceRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close()
}
