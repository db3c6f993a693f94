package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/regwatch/internal/model"
)

const sourceColumns = `id, domain, name, hierarchy_level, auto_created, created_at, last_fetched_at, last_changed_at`

func scanSource(row rowScanner) (model.RegulatorySource, error) {
	var (
		src   model.RegulatorySource
		level string
	)
	err := row.Scan(&src.ID, &src.Domain, &src.Name, &level, &src.AutoCreated,
		&src.CreatedAt, &src.LastFetchedAt, &src.LastChangedAt)
	src.HierarchyLevel = model.HierarchyLevel(level)
	return src, err
}

// GetSourceByDomain looks a source up by its domain.
func (s *Store) GetSourceByDomain(ctx context.Context, domain string) (model.RegulatorySource, error) {
	src, err := scanSource(s.db.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM regulatory_sources WHERE domain = $1`, domain))
	if err != nil {
		return model.RegulatorySource{}, translate(err, "get source")
	}
	return src, nil
}

// CreateSource inserts a source. Domains are unique.
func (s *Store) CreateSource(ctx context.Context, src *model.RegulatorySource) error {
	ensureID(&src.ID)
	if src.CreatedAt.IsZero() {
		src.CreatedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO regulatory_sources (id, domain, name, hierarchy_level, auto_created, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		src.ID, src.Domain, src.Name, string(src.HierarchyLevel), src.AutoCreated, src.CreatedAt)
	return translate(err, "create source")
}

// TouchSource records a fetch against a source.
func (s *Store) TouchSource(ctx context.Context, id string, fetchedAt time.Time, changed bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE regulatory_sources
		SET last_fetched_at = $2,
		    last_changed_at = CASE WHEN $3 THEN $2 ELSE last_changed_at END
		WHERE id = $1`,
		id, fetchedAt, changed)
	return mustAffect(tag, err, "touch source")
}

const endpointColumns = `id, COALESCE(source_id, ''), domain, url, strategy, options, freshness_risk,
	last_content_hash, consecutive_errors, last_error, last_scanned_at, baseline, enabled`

func scanEndpoint(row rowScanner) (model.DiscoveryEndpoint, error) {
	var (
		ep                  model.DiscoveryEndpoint
		strategy, risk      string
		options, baseline   []byte
		lastHash, lastError *string
	)
	if err := row.Scan(&ep.ID, &ep.SourceID, &ep.Domain, &ep.URL, &strategy, &options, &risk,
		&lastHash, &ep.ConsecutiveErrors, &lastError, &ep.LastScannedAt, &baseline, &ep.Enabled); err != nil {
		return model.DiscoveryEndpoint{}, err
	}
	ep.Strategy = model.Strategy(strategy)
	ep.FreshnessRisk = model.FreshnessRisk(risk)
	ep.LastContentHash = deref(lastHash)
	ep.LastError = deref(lastError)
	if err := unmarshalJSON(options, &ep.Options, "endpoint options"); err != nil {
		return model.DiscoveryEndpoint{}, err
	}
	if len(baseline) > 0 && string(baseline) != "null" {
		ep.Baseline = &model.StructuralBaseline{}
		if err := unmarshalJSON(baseline, ep.Baseline, "endpoint baseline"); err != nil {
			return model.DiscoveryEndpoint{}, err
		}
	}
	return ep, nil
}

func endpointJSON(ep model.DiscoveryEndpoint) (options, baseline []byte, err error) {
	if options, err = marshalJSON(ep.Options, "endpoint options"); err != nil {
		return nil, nil, err
	}
	if ep.Baseline != nil {
		if baseline, err = marshalJSON(ep.Baseline, "endpoint baseline"); err != nil {
			return nil, nil, err
		}
	}
	return options, baseline, nil
}

// CreateEndpoint inserts an endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, ep *model.DiscoveryEndpoint) error {
	ensureID(&ep.ID)
	options, baseline, err := endpointJSON(*ep)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO discovery_endpoints (id, source_id, domain, url, strategy, options, freshness_risk,
			last_content_hash, consecutive_errors, last_error, last_scanned_at, baseline, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ep.ID, nullable(ep.SourceID), ep.Domain, ep.URL, string(ep.Strategy), options, string(ep.FreshnessRisk),
		nullable(ep.LastContentHash), ep.ConsecutiveErrors, nullable(ep.LastError), ep.LastScannedAt, baseline, ep.Enabled)
	return translate(err, "create endpoint")
}

// ListEndpoints returns endpoints sorted by ID.
func (s *Store) ListEndpoints(ctx context.Context) ([]model.DiscoveryEndpoint, error) {
	rows, err := s.db.Query(ctx, `SELECT `+endpointColumns+` FROM discovery_endpoints ORDER BY id`)
	if err != nil {
		return nil, translate(err, "list endpoints")
	}
	defer rows.Close()
	var out []model.DiscoveryEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, translate(err, "scan endpoint")
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list endpoints")
	}
	return out, nil
}

// GetEndpoint fetches an endpoint by ID.
func (s *Store) GetEndpoint(ctx context.Context, id string) (model.DiscoveryEndpoint, error) {
	ep, err := scanEndpoint(s.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM discovery_endpoints WHERE id = $1`, id))
	if err != nil {
		return model.DiscoveryEndpoint{}, translate(err, "get endpoint")
	}
	return ep, nil
}

// UpdateEndpoint replaces the mutable columns of an endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, ep model.DiscoveryEndpoint) error {
	options, baseline, err := endpointJSON(ep)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_endpoints
		SET options = $2, freshness_risk = $3, last_content_hash = $4, consecutive_errors = $5,
		    last_error = $6, last_scanned_at = $7, baseline = $8, enabled = $9
		WHERE id = $1`,
		ep.ID, options, string(ep.FreshnessRisk), nullable(ep.LastContentHash), ep.ConsecutiveErrors,
		nullable(ep.LastError), ep.LastScannedAt, baseline, ep.Enabled)
	return mustAffect(tag, err, "update endpoint")
}

const itemColumns = `id, endpoint_id, domain, url, title, published_at, content_hash, change_frequency,
	scan_count, freshness_risk, next_scan_due, status, last_scanned_at, last_changed_at,
	consecutive_errors, last_error, evidence_id, created_at`

func scanItem(row rowScanner) (model.DiscoveredItem, error) {
	var (
		it                                 model.DiscoveredItem
		risk, status                       string
		title, hash, lastError, evidenceID *string
	)
	err := row.Scan(&it.ID, &it.EndpointID, &it.Domain, &it.URL, &title, &it.PublishedAt, &hash,
		&it.ChangeFrequency, &it.ScanCount, &risk, &it.NextScanDue, &status,
		&it.LastScannedAt, &it.LastChangedAt, &it.ConsecutiveErrors, &lastError, &evidenceID, &it.CreatedAt)
	if err != nil {
		return model.DiscoveredItem{}, err
	}
	it.FreshnessRisk = model.FreshnessRisk(risk)
	it.Status = model.ItemStatus(status)
	it.Title = deref(title)
	it.ContentHash = deref(hash)
	it.LastError = deref(lastError)
	it.EvidenceID = deref(evidenceID)
	return it, nil
}

// UpsertItem inserts the item unless its URL is already tracked, in which case
// item is overwritten with the stored row.
func (s *Store) UpsertItem(ctx context.Context, item *model.DiscoveredItem) (bool, error) {
	ensureID(&item.ID)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO discovered_items (id, endpoint_id, domain, url, title, published_at, content_hash,
			change_frequency, scan_count, freshness_risk, freshness_rank, next_scan_due, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (url) DO NOTHING`,
		item.ID, item.EndpointID, item.Domain, item.URL, nullable(item.Title), item.PublishedAt,
		nullable(item.ContentHash), item.ChangeFrequency, item.ScanCount, string(item.FreshnessRisk),
		item.FreshnessRisk.Rank(), item.NextScanDue, string(item.Status), item.CreatedAt)
	if err != nil {
		return false, translate(err, "insert item")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	existing, err := scanItem(s.db.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM discovered_items WHERE url = $1`, item.URL))
	if err != nil {
		return false, translate(err, "load existing item")
	}
	*item = existing
	return false, nil
}

// DueItems returns items due at or before now, most urgent first. SKIPPED and
// FAILED items wait for rediscovery.
func (s *Store) DueItems(ctx context.Context, now time.Time, limit int) ([]model.DiscoveredItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM discovered_items
		WHERE status NOT IN ($1, $2) AND next_scan_due <= $3
		ORDER BY freshness_rank, next_scan_due, id
		LIMIT $4`,
		string(model.ItemSkipped), string(model.ItemFailed), now, limitArg(limit))
	if err != nil {
		return nil, translate(err, "query due items")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DiscoveredItem, error) {
		return scanItem(row)
	})
	if err != nil {
		return nil, translate(err, "scan due items")
	}
	return out, nil
}

// UpdateItem replaces the scan state of an item.
func (s *Store) UpdateItem(ctx context.Context, item model.DiscoveredItem) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovered_items
		SET title = $2, content_hash = $3, change_frequency = $4, scan_count = $5, freshness_risk = $6,
		    freshness_rank = $7, next_scan_due = $8, status = $9, last_scanned_at = $10,
		    last_changed_at = $11, consecutive_errors = $12, last_error = $13, evidence_id = $14
		WHERE id = $1`,
		item.ID, nullable(item.Title), nullable(item.ContentHash), item.ChangeFrequency, item.ScanCount,
		string(item.FreshnessRisk), item.FreshnessRisk.Rank(), item.NextScanDue, string(item.Status),
		item.LastScannedAt, item.LastChangedAt, item.ConsecutiveErrors, nullable(item.LastError),
		nullable(item.EvidenceID))
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update item %s: %w", item.ID, model.ErrNotFound)
	}
	return nil
}
