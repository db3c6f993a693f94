package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/regwatch/internal/model"
)

var (
	supranationalHosts = []string{"europa.eu", "oecd.org", "un.org", "imf.org", "worldbank.org", "wto.org"}
	localMarkers       = []string{"grad.", "opcina.", "city.", "municipality.", "gemeinde.", "stadt.", "ville.", "comune."}
	regionalMarkers    = []string{"zupanija.", "county.", "region.", "state.", "kanton.", "provincia."}
)

// SourceDomain strips a leading "www." so sibling hosts share one source.
func SourceDomain(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// InferHierarchy guesses a source's jurisdiction level from its host name.
func InferHierarchy(domain string) model.HierarchyLevel {
	d := strings.ToLower(domain)
	for _, h := range supranationalHosts {
		if d == h || strings.HasSuffix(d, "."+h) {
			return model.LevelSupranational
		}
	}
	for _, m := range localMarkers {
		if strings.HasPrefix(d, m) || strings.Contains(d, "."+m) {
			return model.LevelLocal
		}
	}
	for _, m := range regionalMarkers {
		if strings.HasPrefix(d, m) || strings.Contains(d, "."+m) {
			return model.LevelRegional
		}
	}
	return model.LevelNational
}

// ensureSource returns the source for domain, creating it on first sight. A
// concurrent creation by another worker is resolved by re-reading.
func (s *Scanner) ensureSource(ctx context.Context, domain string, cache map[string]string) (string, error) {
	if id, ok := cache[domain]; ok {
		return id, nil
	}
	src, err := s.repo.GetSourceByDomain(ctx, domain)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		src = model.RegulatorySource{
			Domain:         domain,
			Name:           domain,
			HierarchyLevel: InferHierarchy(domain),
			AutoCreated:    true,
			CreatedAt:      s.clock.Now(),
		}
		err = s.repo.CreateSource(ctx, &src)
		if errors.Is(err, model.ErrConflict) {
			src, err = s.repo.GetSourceByDomain(ctx, domain)
		} else if err == nil {
			s.audit.Emit(model.AuditEvent{
				Operation:  model.OpSourceCreated,
				EntityType: model.EntitySource,
				EntityID:   src.ID,
				Metadata:   map[string]any{"domain": domain, "hierarchy_level": string(src.HierarchyLevel)},
				TS:         src.CreatedAt,
			})
		}
		if err != nil {
			return "", fmt.Errorf("create source %s: %w", domain, err)
		}
	default:
		return "", fmt.Errorf("load source %s: %w", domain, err)
	}
	cache[domain] = src.ID
	return src.ID, nil
}
