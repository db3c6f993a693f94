package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/regwatch/internal/model"
)

var pointerColumns = []string{
	"id", "evidence_id", "domain", "value_type", "extracted_value", "exact_quote",
	"article_number", "paragraph_number", "law_reference", "confidence", "created_at",
}

// InsertPointers bulk-loads validated claims with COPY. IDs are assigned in place.
func (s *Store) InsertPointers(ctx context.Context, pointers []model.SourcePointer) error {
	if len(pointers) == 0 {
		return nil
	}
	now := s.now()
	for i := range pointers {
		ensureID(&pointers[i].ID)
		if pointers[i].CreatedAt.IsZero() {
			pointers[i].CreatedAt = now
		}
	}
	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"source_pointers"}, pointerColumns,
		pgx.CopyFromSlice(len(pointers), func(i int) ([]any, error) {
			p := pointers[i]
			return []any{
				p.ID, p.EvidenceID, p.Domain, p.ValueType, p.ExtractedValue, p.ExactQuote,
				nullable(p.ArticleNumber), nullable(p.ParagraphNumber), nullable(p.LawReference),
				p.Confidence, p.CreatedAt,
			}, nil
		}))
	return translate(err, "insert pointers")
}

const pointerSelect = `SELECT id, evidence_id, domain, value_type, extracted_value, exact_quote,
	COALESCE(article_number, ''), COALESCE(paragraph_number, ''), COALESCE(law_reference, ''),
	confidence, created_at FROM source_pointers`

func collectPointers(rows pgx.Rows) ([]model.SourcePointer, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SourcePointer, error) {
		var p model.SourcePointer
		err := row.Scan(&p.ID, &p.EvidenceID, &p.Domain, &p.ValueType, &p.ExtractedValue, &p.ExactQuote,
			&p.ArticleNumber, &p.ParagraphNumber, &p.LawReference, &p.Confidence, &p.CreatedAt)
		return p, err
	})
}

// ListPointersByEvidence returns claims attached to one evidence row.
func (s *Store) ListPointersByEvidence(ctx context.Context, evidenceID string) ([]model.SourcePointer, error) {
	rows, err := s.db.Query(ctx, pointerSelect+` WHERE evidence_id = $1 ORDER BY id`, evidenceID)
	if err != nil {
		return nil, translate(err, "list pointers")
	}
	out, err := collectPointers(rows)
	if err != nil {
		return nil, translate(err, "scan pointers")
	}
	return out, nil
}

// GetPointers fetches claims by ID in the requested order, skipping unknown IDs.
func (s *Store) GetPointers(ctx context.Context, ids []string) ([]model.SourcePointer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, pointerSelect+` WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, translate(err, "get pointers")
	}
	found, err := collectPointers(rows)
	if err != nil {
		return nil, translate(err, "scan pointers")
	}
	byID := make(map[string]model.SourcePointer, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]model.SourcePointer, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// InsertRejection appends a dead-letter record.
func (s *Store) InsertRejection(ctx context.Context, rej model.ExtractionRejected) error {
	ensureID(&rej.ID)
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO extraction_rejections (id, evidence_id, agent_run_id, reason, detail, raw_output, reprocessed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rej.ID, rej.EvidenceID, nullable(rej.AgentRunID), string(rej.Reason), rej.Detail,
		rawJSON(rej.RawOutput), rej.Reprocessed, rej.CreatedAt)
	return translate(err, "insert rejection")
}

// ListRejections returns the newest dead letters first.
func (s *Store) ListRejections(ctx context.Context, limit int) ([]model.ExtractionRejected, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, evidence_id, COALESCE(agent_run_id, ''), reason, detail, raw_output, reprocessed, created_at
		FROM extraction_rejections
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, translate(err, "list rejections")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ExtractionRejected, error) {
		var (
			r      model.ExtractionRejected
			reason string
			raw    []byte
		)
		if err := row.Scan(&r.ID, &r.EvidenceID, &r.AgentRunID, &reason, &r.Detail, &raw,
			&r.Reprocessed, &r.CreatedAt); err != nil {
			return r, err
		}
		r.Reason = model.RejectionReason(reason)
		if len(raw) > 0 && string(raw) != "null" {
			r.RawOutput = append([]byte(nil), raw...)
		}
		return r, nil
	})
	if err != nil {
		return nil, translate(err, "scan rejections")
	}
	return out, nil
}

const ruleColumns = `id, concept_slug, title, risk_tier, applies_when, value, value_type, confidence,
	status, source_pointer_ids, reviewer_notes, reviewed_by, version, active, supersedes_id,
	created_at, updated_at, approved_at, published_at`

func scanRule(row rowScanner) (model.RegulatoryRule, error) {
	var (
		r                                    model.RegulatoryRule
		tier, status                         string
		title, notes, reviewedBy, supersedes *string
	)
	err := row.Scan(&r.ID, &r.ConceptSlug, &title, &tier, &r.AppliesWhen, &r.Value, &r.ValueType,
		&r.Confidence, &status, &r.SourcePointerIDs, &notes, &reviewedBy, &r.Version, &r.Active,
		&supersedes, &r.CreatedAt, &r.UpdatedAt, &r.ApprovedAt, &r.PublishedAt)
	if err != nil {
		return model.RegulatoryRule{}, err
	}
	r.RiskTier = model.RiskTier(tier)
	r.Status = model.RuleStatus(status)
	r.Title = deref(title)
	r.ReviewerNotes = deref(notes)
	r.ReviewedBy = deref(reviewedBy)
	r.SupersedesID = deref(supersedes)
	return r, nil
}

func pointerIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// InsertRule stores a new rule.
func (s *Store) InsertRule(ctx context.Context, rule *model.RegulatoryRule) error {
	ensureID(&rule.ID)
	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO regulatory_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rule.ID, rule.ConceptSlug, nullable(rule.Title), string(rule.RiskTier), rule.AppliesWhen, rule.Value,
		rule.ValueType, rule.Confidence, string(rule.Status), pointerIDs(rule.SourcePointerIDs),
		nullable(rule.ReviewerNotes), nullable(rule.ReviewedBy), rule.Version, rule.Active,
		nullable(rule.SupersedesID), rule.CreatedAt, rule.UpdatedAt, rule.ApprovedAt, rule.PublishedAt)
	return translate(err, "insert rule")
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (model.RegulatoryRule, error) {
	r, err := scanRule(s.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM regulatory_rules WHERE id = $1`, id))
	if err != nil {
		return model.RegulatoryRule{}, translate(err, "get rule")
	}
	return r, nil
}

// UpdateRule writes the review state of a rule. Release bookkeeping belongs to ReleaseRule.
func (s *Store) UpdateRule(ctx context.Context, rule model.RegulatoryRule) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE regulatory_rules
		SET title = $2, risk_tier = $3, applies_when = $4, value = $5, confidence = $6, status = $7,
		    source_pointer_ids = $8, reviewer_notes = $9, reviewed_by = $10, updated_at = $11, approved_at = $12
		WHERE id = $1`,
		rule.ID, nullable(rule.Title), string(rule.RiskTier), rule.AppliesWhen, rule.Value, rule.Confidence,
		string(rule.Status), pointerIDs(rule.SourcePointerIDs), nullable(rule.ReviewerNotes),
		nullable(rule.ReviewedBy), rule.UpdatedAt, rule.ApprovedAt)
	return mustAffect(tag, err, "update rule")
}

// ListRulesByStatus returns rules in a status, oldest first.
func (s *Store) ListRulesByStatus(ctx context.Context, status model.RuleStatus, limit int) ([]model.RegulatoryRule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+ruleColumns+` FROM regulatory_rules
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limitArg(limit))
	if err != nil {
		return nil, translate(err, "list rules")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RegulatoryRule, error) {
		return scanRule(row)
	})
	if err != nil {
		return nil, translate(err, "scan rules")
	}
	return out, nil
}

// ActiveRule returns the released rule for a concept.
func (s *Store) ActiveRule(ctx context.Context, conceptSlug string) (model.RegulatoryRule, error) {
	r, err := scanRule(s.db.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM regulatory_rules WHERE concept_slug = $1 AND active`, conceptSlug))
	if err != nil {
		return model.RegulatoryRule{}, translate(err, "get active rule")
	}
	return r, nil
}

// ReleaseRule activates ruleID inside one transaction. The prior active rule of
// the concept is deactivated and recorded as superseded; the version is one past
// the highest published version.
func (s *Store) ReleaseRule(ctx context.Context, ruleID string, at time.Time) (model.RegulatoryRule, error) {
	var released model.RegulatoryRule
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var concept string
		if err := tx.QueryRow(ctx,
			`SELECT concept_slug FROM regulatory_rules WHERE id = $1 FOR UPDATE`, ruleID).Scan(&concept); err != nil {
			return translate(err, "lock rule")
		}

		var maxVersion int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM regulatory_rules WHERE concept_slug = $1 AND published_at IS NOT NULL AND id <> $2`,
			concept, ruleID).Scan(&maxVersion); err != nil {
			return translate(err, "read rule versions")
		}

		var supersedes *string
		var priorID string
		err := tx.QueryRow(ctx,
			`UPDATE regulatory_rules SET active = FALSE, updated_at = $3 WHERE concept_slug = $1 AND active AND id <> $2 RETURNING id`,
			concept, ruleID, at).Scan(&priorID)
		switch {
		case err == nil:
			supersedes = &priorID
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return translate(err, "deactivate prior rule")
		}

		released, err = scanRule(tx.QueryRow(ctx,
			`UPDATE regulatory_rules SET active = TRUE, version = $2, published_at = $3, updated_at = $3, supersedes_id = COALESCE($4, supersedes_id) WHERE id = $1 RETURNING `+ruleColumns,
			ruleID, maxVersion+1, at, supersedes))
		if err != nil {
			return translate(err, "activate rule")
		}
		return nil
	})
	if err != nil {
		return model.RegulatoryRule{}, fmt.Errorf("release rule %s: %w", ruleID, err)
	}
	return released, nil
}

const conflictColumns = `id, concept_slug, rule_a_id, rule_b_id, status, winning_rule_id, reason, created_at, resolved_at`

// InsertConflict stores a conflict.
func (s *Store) InsertConflict(ctx context.Context, c *model.RuleConflict) error {
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO rule_conflicts (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.ConceptSlug, c.RuleAID, c.RuleBID, string(c.Status), nullable(c.WinningRuleID),
		nullable(c.Reason), c.CreatedAt, c.ResolvedAt)
	return translate(err, "insert conflict")
}

// UpdateConflict writes the arbitration outcome.
func (s *Store) UpdateConflict(ctx context.Context, c model.RuleConflict) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rule_conflicts SET status = $2, winning_rule_id = $3, reason = $4, resolved_at = $5
		WHERE id = $1`,
		c.ID, string(c.Status), nullable(c.WinningRuleID), nullable(c.Reason), c.ResolvedAt)
	return mustAffect(tag, err, "update conflict")
}

// ListConflicts returns conflicts in a status, oldest first.
func (s *Store) ListConflicts(ctx context.Context, status model.ConflictStatus, limit int) ([]model.RuleConflict, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+conflictColumns+` FROM rule_conflicts
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, string(status), limitArg(limit))
	if err != nil {
		return nil, translate(err, "list conflicts")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RuleConflict, error) {
		var (
			c              model.RuleConflict
			st             string
			winner, reason *string
		)
		if err := row.Scan(&c.ID, &c.ConceptSlug, &c.RuleAID, &c.RuleBID, &st, &winner, &reason,
			&c.CreatedAt, &c.ResolvedAt); err != nil {
			return c, err
		}
		c.Status = model.ConflictStatus(st)
		c.WinningRuleID = deref(winner)
		c.Reason = deref(reason)
		return c, nil
	})
	if err != nil {
		return nil, translate(err, "scan conflicts")
	}
	return out, nil
}
