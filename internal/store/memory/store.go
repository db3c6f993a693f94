// Package memory implements model.Store in process for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/model"
)

// Store keeps every repository in maps guarded by a single lock.
type Store struct {
	mu sync.RWMutex

	sources   map[string]model.RegulatorySource
	endpoints map[string]model.DiscoveryEndpoint
	items     map[string]model.DiscoveredItem
	itemByURL map[string]string

	evidence   map[string]model.Evidence
	artifacts  map[string]model.EvidenceArtifact
	coverage   map[string]model.CoverageReport
	duplicates []model.NearDuplicate

	pointers   map[string]model.SourcePointer
	rejections []model.ExtractionRejected

	rules     map[string]model.RegulatoryRule
	conflicts map[string]model.RuleConflict
	runs      map[string]model.AgentRun

	refTables  map[string]model.ReferenceTable
	refEntries map[string]model.ReferenceEntry

	audit []model.AuditEvent
}

var _ model.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		sources:    make(map[string]model.RegulatorySource),
		endpoints:  make(map[string]model.DiscoveryEndpoint),
		items:      make(map[string]model.DiscoveredItem),
		itemByURL:  make(map[string]string),
		evidence:   make(map[string]model.Evidence),
		artifacts:  make(map[string]model.EvidenceArtifact),
		coverage:   make(map[string]model.CoverageReport),
		pointers:   make(map[string]model.SourcePointer),
		rules:      make(map[string]model.RegulatoryRule),
		conflicts:  make(map[string]model.RuleConflict),
		runs:       make(map[string]model.AgentRun),
		refTables:  make(map[string]model.ReferenceTable),
		refEntries: make(map[string]model.ReferenceEntry),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func ensureID(id *string) {
	if *id == "" {
		*id = idgen.MustNewID()
	}
}

// GetSourceByDomain looks a source up by its domain.
func (s *Store) GetSourceByDomain(_ context.Context, domain string) (model.RegulatorySource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.Domain == domain {
			return src, nil
		}
	}
	return model.RegulatorySource{}, model.ErrNotFound
}

// CreateSource inserts a source; domains are unique.
func (s *Store) CreateSource(_ context.Context, src *model.RegulatorySource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sources {
		if existing.Domain == src.Domain {
			return model.ErrConflict
		}
	}
	ensureID(&src.ID)
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	s.sources[src.ID] = *src
	return nil
}

// TouchSource records a fetch against a source.
func (s *Store) TouchSource(_ context.Context, id string, fetchedAt time.Time, changed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return model.ErrNotFound
	}
	src.LastFetchedAt = &fetchedAt
	if changed {
		src.LastChangedAt = &fetchedAt
	}
	s.sources[id] = src
	return nil
}

// CreateEndpoint inserts an endpoint.
func (s *Store) CreateEndpoint(_ context.Context, ep *model.DiscoveryEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ensureID(&ep.ID)
	if _, ok := s.endpoints[ep.ID]; ok {
		return model.ErrConflict
	}
	s.endpoints[ep.ID] = *ep
	return nil
}

// ListEndpoints returns endpoints sorted by ID.
func (s *Store) ListEndpoints(context.Context) ([]model.DiscoveryEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DiscoveryEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetEndpoint fetches an endpoint by ID.
func (s *Store) GetEndpoint(_ context.Context, id string) (model.DiscoveryEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return model.DiscoveryEndpoint{}, model.ErrNotFound
	}
	return ep, nil
}

// UpdateEndpoint replaces a stored endpoint.
func (s *Store) UpdateEndpoint(_ context.Context, ep model.DiscoveryEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return model.ErrNotFound
	}
	s.endpoints[ep.ID] = ep
	return nil
}

// UpsertItem inserts the item unless its URL is already tracked.
func (s *Store) UpsertItem(_ context.Context, item *model.DiscoveredItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.itemByURL[item.URL]; ok {
		*item = s.items[id]
		return false, nil
	}
	ensureID(&item.ID)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.items[item.ID] = *item
	s.itemByURL[item.URL] = item.ID
	return true, nil
}

// DueItems returns items due at or before now, most urgent first. SKIPPED and
// FAILED items wait for rediscovery.
func (s *Store) DueItems(_ context.Context, now time.Time, limit int) ([]model.DiscoveredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.DiscoveredItem
	for _, it := range s.items {
		if it.Status == model.ItemSkipped || it.Status == model.ItemFailed {
			continue
		}
		if !it.NextScanDue.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].FreshnessRisk.Rank(), out[j].FreshnessRisk.Rank()
		if ri != rj {
			return ri < rj
		}
		if !out[i].NextScanDue.Equal(out[j].NextScanDue) {
			return out[i].NextScanDue.Before(out[j].NextScanDue)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateItem replaces a stored item.
func (s *Store) UpdateItem(_ context.Context, item model.DiscoveredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return model.ErrNotFound
	}
	s.items[item.ID] = item
	return nil
}

// Items returns a snapshot of every tracked item.
func (s *Store) Items() []model.DiscoveredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DiscoveredItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// InsertAuditEvents appends events.
func (s *Store) InsertAuditEvents(_ context.Context, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, events...)
	return nil
}

// AuditEvents returns a snapshot of persisted audit events.
func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditEvent(nil), s.audit...)
}
