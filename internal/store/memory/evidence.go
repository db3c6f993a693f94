package memory

import (
	"context"
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

// FindEvidence looks evidence up by its natural key.
func (s *Store) FindEvidence(_ context.Context, url, contentHash string) (model.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.evidence {
		if ev.URL == url && ev.ContentHash == contentHash {
			return ev, nil
		}
	}
	return model.Evidence{}, model.ErrNotFound
}

// GetEvidence fetches evidence by ID.
func (s *Store) GetEvidence(_ context.Context, id string) (model.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evidence[id]
	if !ok {
		return model.Evidence{}, model.ErrNotFound
	}
	return ev, nil
}

// InsertEvidence stores a new capture. A duplicate (url, hash) returns ErrConflict.
func (s *Store) InsertEvidence(_ context.Context, ev *model.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.evidence {
		if existing.URL == ev.URL && existing.ContentHash == ev.ContentHash {
			return model.ErrConflict
		}
	}
	ensureID(&ev.ID)
	if ev.FetchedAt.IsZero() {
		ev.FetchedAt = time.Now().UTC()
	}
	s.evidence[ev.ID] = *ev
	return nil
}

// SetPrimaryTextArtifact links the canonical text artifact to its evidence.
func (s *Store) SetPrimaryTextArtifact(_ context.Context, evidenceID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[evidenceID]
	if !ok {
		return model.ErrNotFound
	}
	ev.PrimaryTextArtifactID = artifactID
	s.evidence[evidenceID] = ev
	return nil
}

// MarkFollowUpQueued records that the follow-up tasks of evidenceID were enqueued.
func (s *Store) MarkFollowUpQueued(_ context.Context, evidenceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evidence[evidenceID]
	if !ok {
		return model.ErrNotFound
	}
	ev.FollowUpQueuedAt = &at
	s.evidence[evidenceID] = ev
	return nil
}

// InsertArtifact stores derived text.
func (s *Store) InsertArtifact(_ context.Context, art *model.EvidenceArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evidence[art.EvidenceID]; !ok {
		return model.ErrNotFound
	}
	ensureID(&art.ID)
	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}
	s.artifacts[art.ID] = *art
	return nil
}

// GetArtifact fetches an artifact by ID.
func (s *Store) GetArtifact(_ context.Context, id string) (model.EvidenceArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	art, ok := s.artifacts[id]
	if !ok {
		return model.EvidenceArtifact{}, model.ErrNotFound
	}
	return art, nil
}

// SaveCoverage replaces the coverage report of an evidence row.
func (s *Store) SaveCoverage(_ context.Context, report model.CoverageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coverage[report.EvidenceID] = report
	return nil
}

// Coverage returns the stored report for evidenceID.
func (s *Store) Coverage(evidenceID string) (model.CoverageReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.coverage[evidenceID]
	return r, ok
}

// SaveNearDuplicate records a similarity link.
func (s *Store) SaveNearDuplicate(_ context.Context, dup model.NearDuplicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates = append(s.duplicates, dup)
	return nil
}

// NearDuplicates returns recorded similarity links.
func (s *Store) NearDuplicates() []model.NearDuplicate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.NearDuplicate(nil), s.duplicates...)
}

// EvidenceCount reports the number of stored captures.
func (s *Store) EvidenceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.evidence)
}
