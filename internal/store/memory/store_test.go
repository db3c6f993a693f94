package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
)

func TestUpsertItemKeepsExisting(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := &model.DiscoveredItem{URL: "https://gov.example/a", Title: "A"}
	created, err := s.UpsertItem(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	second := &model.DiscoveredItem{URL: "https://gov.example/a", Title: "changed"}
	created, err = s.UpsertItem(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "A", second.Title)
}

func TestDueItemsOrdering(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, it := range []model.DiscoveredItem{
		{URL: "low", FreshnessRisk: model.FreshnessLow, NextScanDue: now.Add(-3 * time.Hour)},
		{URL: "crit-late", FreshnessRisk: model.FreshnessCritical, NextScanDue: now.Add(-time.Hour)},
		{URL: "crit-early", FreshnessRisk: model.FreshnessCritical, NextScanDue: now.Add(-2 * time.Hour)},
		{URL: "future", FreshnessRisk: model.FreshnessCritical, NextScanDue: now.Add(time.Hour)},
		{URL: "skipped", FreshnessRisk: model.FreshnessCritical, NextScanDue: now, Status: model.ItemSkipped},
		{URL: "failed", FreshnessRisk: model.FreshnessCritical, NextScanDue: now.Add(-4 * time.Hour), Status: model.ItemFailed},
	} {
		item := it
		_, err := s.UpsertItem(ctx, &item)
		require.NoError(t, err)
	}

	due, err := s.DueItems(ctx, now, 0)
	require.NoError(t, err)
	urls := make([]string, 0, len(due))
	for _, d := range due {
		urls = append(urls, d.URL)
	}
	assert.Equal(t, []string{"crit-early", "crit-late", "low"}, urls)

	limited, err := s.DueItems(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestInsertEvidenceConflict(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertEvidence(ctx, &model.Evidence{URL: "u", ContentHash: "h"}))
	err := s.InsertEvidence(ctx, &model.Evidence{URL: "u", ContentHash: "h"})
	require.ErrorIs(t, err, model.ErrConflict)
	require.NoError(t, s.InsertEvidence(ctx, &model.Evidence{URL: "u", ContentHash: "h2"}))
	assert.Equal(t, 2, s.EvidenceCount())
}

func TestReleaseRuleSupersedes(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	v1 := &model.RegulatoryRule{ConceptSlug: "vat_standard_rate", Status: model.RuleApproved}
	require.NoError(t, s.InsertRule(ctx, v1))
	released, err := s.ReleaseRule(ctx, v1.ID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, released.Version)
	assert.True(t, released.Active)

	v2 := &model.RegulatoryRule{ConceptSlug: "vat_standard_rate", Status: model.RuleApproved}
	require.NoError(t, s.InsertRule(ctx, v2))
	released, err = s.ReleaseRule(ctx, v2.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, released.Version)
	assert.Equal(t, v1.ID, released.SupersedesID)

	old, err := s.GetRule(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)

	active, err := s.ActiveRule(ctx, "vat_standard_rate")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
}

func TestReferenceEntriesUpsert(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	n, err := s.UpsertReferenceEntries(ctx, []model.ReferenceEntry{
		{Category: "cnae", Name: "Retail", Code: "47", Jurisdiction: "BR"},
		{Category: "cnae", Name: "Mining", Code: "05", Jurisdiction: "BR"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.UpsertReferenceEntries(ctx, []model.ReferenceEntry{
		{Category: "CNAE", Name: "retail", Code: "47.1", Jurisdiction: "br"},
	})
	require.NoError(t, err)

	entries, err := s.ListReferenceEntries(ctx, "cnae", "BR")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	codes := []string{entries[0].Code, entries[1].Code}
	assert.ElementsMatch(t, []string{"47.1", "05"}, codes)
}

func TestNotFoundErrors(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.GetEndpoint(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, s.UpdateRule(ctx, model.RegulatoryRule{ID: "x"}), model.ErrNotFound)
	_, err = s.GetSourceByDomain(ctx, "gov.example")
	require.ErrorIs(t, err, model.ErrNotFound)
}
