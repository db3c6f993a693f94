package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

// DefaultItemLimit caps the manifest of one run.
const DefaultItemLimit = 100

// Group is the slice of the manifest belonging to one endpoint.
type Group struct {
	EndpointID string
	Domain     string
	Items      []model.DiscoveredItem
}

// DueManifest returns items due at or before now, ordered by freshness rank then due
// time and capped at limit.
func DueManifest(ctx context.Context, items model.ItemRepository, now time.Time, limit int) ([]model.DiscoveredItem, error) {
	if limit <= 0 {
		limit = DefaultItemLimit
	}
	due, err := items.DueItems(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due items: %w", err)
	}
	return due, nil
}

// GroupByEndpoint partitions a manifest by endpoint. Groups keep the order in which
// their first item appears; items inside a group are sorted by due time.
func GroupByEndpoint(items []model.DiscoveredItem) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, item := range items {
		i, ok := index[item.EndpointID]
		if !ok {
			i = len(groups)
			index[item.EndpointID] = i
			groups = append(groups, Group{EndpointID: item.EndpointID, Domain: item.Domain})
		}
		groups[i].Items = append(groups[i].Items, item)
	}
	for _, g := range groups {
		sort.SliceStable(g.Items, func(a, b int) bool {
			return g.Items[a].NextScanDue.Before(g.Items[b].NextScanDue)
		})
	}
	return groups
}
