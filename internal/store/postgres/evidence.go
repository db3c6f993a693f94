package postgres

import (
	"context"
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

const evidenceColumns = `id, source_id, url, content_hash, content_type, content_class, blob_uri,
	raw_content, primary_text_artifact_id, fetched_at, follow_up_queued_at`

func scanEvidence(row rowScanner) (model.Evidence, error) {
	var (
		ev                                 model.Evidence
		class                              string
		sourceID, blobURI, raw, artifactID *string
	)
	if err := row.Scan(&ev.ID, &sourceID, &ev.URL, &ev.ContentHash, &ev.ContentType, &class,
		&blobURI, &raw, &artifactID, &ev.FetchedAt, &ev.FollowUpQueuedAt); err != nil {
		return model.Evidence{}, err
	}
	ev.ContentClass = model.ContentClass(class)
	ev.SourceID = deref(sourceID)
	ev.BlobURI = deref(blobURI)
	ev.RawContent = deref(raw)
	ev.PrimaryTextArtifactID = deref(artifactID)
	return ev, nil
}

// FindEvidence looks evidence up by its natural key.
func (s *Store) FindEvidence(ctx context.Context, url, contentHash string) (model.Evidence, error) {
	ev, err := scanEvidence(s.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE url = $1 AND content_hash = $2`, url, contentHash))
	if err != nil {
		return model.Evidence{}, translate(err, "find evidence")
	}
	return ev, nil
}

// GetEvidence fetches evidence by ID.
func (s *Store) GetEvidence(ctx context.Context, id string) (model.Evidence, error) {
	ev, err := scanEvidence(s.db.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE id = $1`, id))
	if err != nil {
		return model.Evidence{}, translate(err, "get evidence")
	}
	return ev, nil
}

// InsertEvidence stores a new capture. The (url, content_hash) unique key
// surfaces as model.ErrConflict.
func (s *Store) InsertEvidence(ctx context.Context, ev *model.Evidence) error {
	ensureID(&ev.ID)
	if ev.FetchedAt.IsZero() {
		ev.FetchedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO evidence (id, source_id, url, content_hash, content_type, content_class,
			blob_uri, raw_content, primary_text_artifact_id, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, nullable(ev.SourceID), ev.URL, ev.ContentHash, ev.ContentType, string(ev.ContentClass),
		nullable(ev.BlobURI), nullable(ev.RawContent), nullable(ev.PrimaryTextArtifactID), ev.FetchedAt)
	return translate(err, "insert evidence")
}

// SetPrimaryTextArtifact links the canonical text artifact to its evidence.
func (s *Store) SetPrimaryTextArtifact(ctx context.Context, evidenceID, artifactID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE evidence SET primary_text_artifact_id = $2 WHERE id = $1`, evidenceID, artifactID)
	return mustAffect(tag, err, "set primary text artifact")
}

// MarkFollowUpQueued records that the follow-up tasks of evidenceID were enqueued.
func (s *Store) MarkFollowUpQueued(ctx context.Context, evidenceID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE evidence SET follow_up_queued_at = $2 WHERE id = $1`, evidenceID, at)
	return mustAffect(tag, err, "mark follow-up queued")
}

// InsertArtifact stores derived text.
func (s *Store) InsertArtifact(ctx context.Context, art *model.EvidenceArtifact) error {
	ensureID(&art.ID)
	if art.CreatedAt.IsZero() {
		art.CreatedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO evidence_artifacts (id, evidence_id, kind, text, page_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		art.ID, art.EvidenceID, string(art.Kind), art.Text, art.PageCount, art.CreatedAt)
	return translate(err, "insert artifact")
}

// GetArtifact fetches an artifact by ID.
func (s *Store) GetArtifact(ctx context.Context, id string) (model.EvidenceArtifact, error) {
	var (
		art  model.EvidenceArtifact
		kind string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, evidence_id, kind, text, page_count, created_at
		FROM evidence_artifacts WHERE id = $1`, id).
		Scan(&art.ID, &art.EvidenceID, &kind, &art.Text, &art.PageCount, &art.CreatedAt)
	if err != nil {
		return model.EvidenceArtifact{}, translate(err, "get artifact")
	}
	art.Kind = model.ArtifactKind(kind)
	return art, nil
}

// SaveCoverage upserts the coverage report of one evidence row.
func (s *Store) SaveCoverage(ctx context.Context, report model.CoverageReport) error {
	expected := report.Expected
	if expected == nil {
		expected = []string{}
	}
	extracted := report.Extracted
	if extracted == nil {
		extracted = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO coverage_reports (evidence_id, expected, extracted, score, incomplete, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (evidence_id) DO UPDATE
		SET expected = EXCLUDED.expected,
		    extracted = EXCLUDED.extracted,
		    score = EXCLUDED.score,
		    incomplete = EXCLUDED.incomplete,
		    computed_at = EXCLUDED.computed_at`,
		report.EvidenceID, expected, extracted, report.Score, report.Incomplete, report.ComputedAt)
	return translate(err, "save coverage")
}

// SaveNearDuplicate records a semantic duplicate link. Re-detections refresh the similarity.
func (s *Store) SaveNearDuplicate(ctx context.Context, dup model.NearDuplicate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO evidence_near_duplicates (evidence_id, duplicate_of, duplicate_url, similarity, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (evidence_id, duplicate_of) DO UPDATE
		SET similarity = EXCLUDED.similarity, detected_at = EXCLUDED.detected_at`,
		dup.EvidenceID, dup.DuplicateOf, dup.DuplicateURL, dup.Similarity, dup.DetectedAt)
	return translate(err, "save near duplicate")
}
