package model

// Audit operations emitted for regulatory traceability.
const (
	OpEvidenceCaptured   = "evidence.captured"
	OpEvidenceReused     = "evidence.reused"
	OpArtifactCreated    = "evidence.artifact_created"
	OpNearDuplicate      = "evidence.near_duplicate"
	OpBaselineCaptured   = "endpoint.baseline_captured"
	OpBaselineApproved   = "endpoint.baseline_approved"
	OpDriftDetected      = "endpoint.drift_detected"
	OpSelectorAdaptation = "endpoint.selector_adaptation_enqueued"
	OpSelectorsAdapted   = "endpoint.selectors_adapted"
	OpSelectorsRejected  = "endpoint.selector_proposal_rejected"
	OpSourceCreated      = "source.created"
	OpExtractionRejected = "extraction.rejected"
	OpPointersCreated    = "extraction.pointers_created"
	OpCoverageComputed   = "extraction.coverage_computed"
	OpReferenceUpserted  = "reference.upserted"
	OpRuleDrafted        = "rule.drafted"
	OpRuleTransition     = "rule.transition"
	OpRuleReleased       = "rule.released"
	OpConflictOpened     = "conflict.opened"
	OpConflictResolved   = "conflict.resolved"
	OpConflictEscalated  = "conflict.escalated"
	OpAgentRunFailed     = "agent.run_failed"
	OpAgentInputRejected = "agent.input_rejected"
)

// Audit entity types.
const (
	EntityEvidence  = "evidence"
	EntityEndpoint  = "discovery_endpoint"
	EntitySource    = "regulatory_source"
	EntityRule      = "regulatory_rule"
	EntityConflict  = "rule_conflict"
	EntityAgentRun  = "agent_run"
	EntityReference = "reference_table"
)

// NopAuditor discards events.
type NopAuditor struct{}

// Emit implements Auditor.
func (NopAuditor) Emit(AuditEvent) {}
