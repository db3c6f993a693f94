package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

// InsertPointers stores validated claims.
func (s *Store) InsertPointers(_ context.Context, pointers []model.SourcePointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range pointers {
		ensureID(&pointers[i].ID)
		s.pointers[pointers[i].ID] = pointers[i]
	}
	return nil
}

// ListPointersByEvidence returns claims attached to one evidence row.
func (s *Store) ListPointersByEvidence(_ context.Context, evidenceID string) ([]model.SourcePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SourcePointer
	for _, p := range s.pointers {
		if p.EvidenceID == evidenceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPointers fetches claims by ID, skipping unknown IDs.
func (s *Store) GetPointers(_ context.Context, ids []string) ([]model.SourcePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SourcePointer, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.pointers[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// InsertRejection appends a dead-letter record.
func (s *Store) InsertRejection(_ context.Context, rej model.ExtractionRejected) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&rej.ID)
	s.rejections = append(s.rejections, rej)
	return nil
}

// ListRejections returns the newest dead letters first.
func (s *Store) ListRejections(_ context.Context, limit int) ([]model.ExtractionRejected, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExtractionRejected, 0, len(s.rejections))
	for i := len(s.rejections) - 1; i >= 0; i-- {
		out = append(out, s.rejections[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// InsertRule stores a new rule.
func (s *Store) InsertRule(_ context.Context, rule *model.RegulatoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&rule.ID)
	if _, ok := s.rules[rule.ID]; ok {
		return model.ErrConflict
	}
	s.rules[rule.ID] = *rule
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(_ context.Context, id string) (model.RegulatoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return model.RegulatoryRule{}, model.ErrNotFound
	}
	return r, nil
}

// UpdateRule replaces a stored rule.
func (s *Store) UpdateRule(_ context.Context, rule model.RegulatoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return model.ErrNotFound
	}
	s.rules[rule.ID] = rule
	return nil
}

// ListRulesByStatus returns rules in a status, oldest first.
func (s *Store) ListRulesByStatus(_ context.Context, status model.RuleStatus, limit int) ([]model.RegulatoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RegulatoryRule
	for _, r := range s.rules {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveRule returns the released rule for a concept.
func (s *Store) ActiveRule(_ context.Context, conceptSlug string) (model.RegulatoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ConceptSlug == conceptSlug && r.Active {
			return r, nil
		}
	}
	return model.RegulatoryRule{}, model.ErrNotFound
}

// ReleaseRule activates ruleID and deactivates the prior active version.
func (s *Store) ReleaseRule(_ context.Context, ruleID string, at time.Time) (model.RegulatoryRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return model.RegulatoryRule{}, model.ErrNotFound
	}
	version := 1
	for id, r := range s.rules {
		if id == ruleID || r.ConceptSlug != rule.ConceptSlug {
			continue
		}
		if r.Active {
			r.Active = false
			r.UpdatedAt = at
			s.rules[id] = r
			rule.SupersedesID = id
		}
		if r.PublishedAt != nil && r.Version >= version {
			version = r.Version + 1
		}
	}
	rule.Version = version
	rule.Active = true
	rule.PublishedAt = &at
	rule.UpdatedAt = at
	s.rules[ruleID] = rule
	return rule, nil
}

// InsertConflict stores a conflict.
func (s *Store) InsertConflict(_ context.Context, c *model.RuleConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&c.ID)
	s.conflicts[c.ID] = *c
	return nil
}

// UpdateConflict replaces a stored conflict.
func (s *Store) UpdateConflict(_ context.Context, c model.RuleConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[c.ID]; !ok {
		return model.ErrNotFound
	}
	s.conflicts[c.ID] = c
	return nil
}

// ListConflicts returns conflicts in a status, oldest first.
func (s *Store) ListConflicts(_ context.Context, status model.ConflictStatus, limit int) ([]model.RuleConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RuleConflict
	for _, c := range s.conflicts {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertAgentRun stores a run record.
func (s *Store) InsertAgentRun(_ context.Context, run *model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&run.ID)
	s.runs[run.ID] = *run
	return nil
}

// UpdateAgentRun replaces a run record.
func (s *Store) UpdateAgentRun(_ context.Context, run model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return model.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// GetAgentRun fetches a run record.
func (s *Store) GetAgentRun(_ context.Context, id string) (model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, model.ErrNotFound
	}
	return run, nil
}

// AgentRuns returns every run record.
func (s *Store) AgentRuns() []model.AgentRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AgentRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// UpsertReferenceTable stores a table keyed by (category, jurisdiction).
func (s *Store) UpsertReferenceTable(_ context.Context, table *model.ReferenceTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.refTables {
		if existing.Category == table.Category && existing.Jurisdiction == table.Jurisdiction {
			table.ID = id
			s.refTables[id] = *table
			return nil
		}
	}
	ensureID(&table.ID)
	s.refTables[table.ID] = *table
	return nil
}

func entryKey(e model.ReferenceEntry) string {
	return strings.ToLower(e.Category) + "\x00" + strings.ToLower(e.Name) + "\x00" + strings.ToLower(e.Jurisdiction)
}

// UpsertReferenceEntries upserts by (category, name, jurisdiction).
func (s *Store) UpsertReferenceEntries(_ context.Context, entries []model.ReferenceEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		key := entryKey(e)
		if existing, ok := s.refEntries[key]; ok {
			e.ID = existing.ID
		}
		ensureID(&e.ID)
		s.refEntries[key] = e
	}
	return len(entries), nil
}

// ListReferenceEntries returns entries of a category, optionally filtered by jurisdiction.
func (s *Store) ListReferenceEntries(_ context.Context, category, jurisdiction string) ([]model.ReferenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ReferenceEntry
	for _, e := range s.refEntries {
		if !strings.EqualFold(e.Category, category) {
			continue
		}
		if jurisdiction != "" && !strings.EqualFold(e.Jurisdiction, jurisdiction) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
