package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/regwatch/internal/model"
)

// UpsertReferenceTable stores a table keyed by (category, jurisdiction) and
// adopts the stored ID when the table already exists.
func (s *Store) UpsertReferenceTable(ctx context.Context, table *model.ReferenceTable) error {
	ensureID(&table.ID)
	if table.UpdatedAt.IsZero() {
		table.UpdatedAt = s.now()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO reference_tables (id, category, jurisdiction, source_url, evidence_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (category, jurisdiction) DO UPDATE
		SET source_url = EXCLUDED.source_url,
		    evidence_id = EXCLUDED.evidence_id,
		    updated_at = EXCLUDED.updated_at
		RETURNING id`,
		table.ID, table.Category, table.Jurisdiction, table.SourceURL, nullable(table.EvidenceID), table.UpdatedAt).
		Scan(&table.ID)
	return translate(err, "upsert reference table")
}

// UpsertReferenceEntries upserts by case-insensitive (category, name,
// jurisdiction) in one batch and returns the rows written.
func (s *Store) UpsertReferenceEntries(ctx context.Context, entries []model.ReferenceEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := s.now()
	batch := &pgx.Batch{}
	for i := range entries {
		e := entries[i]
		ensureID(&e.ID)
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		meta, err := marshalJSON(e.Metadata, "reference metadata")
		if err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO reference_entries (id, table_id, category, name, code, jurisdiction, metadata, evidence_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (lower(category), lower(name), lower(jurisdiction)) DO UPDATE
			SET code = EXCLUDED.code,
			    table_id = EXCLUDED.table_id,
			    metadata = EXCLUDED.metadata,
			    evidence_id = EXCLUDED.evidence_id,
			    updated_at = EXCLUDED.updated_at`,
			e.ID, nullable(e.TableID), e.Category, e.Name, e.Code, e.Jurisdiction, meta,
			nullable(e.EvidenceID), e.UpdatedAt)
	}

	written := 0
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range entries {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return err
			}
			written += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, translate(err, "upsert reference entries")
	}
	return written, nil
}

// ListReferenceEntries returns entries of a category sorted by name. An empty
// jurisdiction matches every jurisdiction.
func (s *Store) ListReferenceEntries(ctx context.Context, category, jurisdiction string) ([]model.ReferenceEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(table_id, ''), category, name, code, jurisdiction, metadata,
		       COALESCE(evidence_id, ''), updated_at
		FROM reference_entries
		WHERE lower(category) = lower($1) AND ($2 = '' OR lower(jurisdiction) = lower($2))
		ORDER BY name`, category, jurisdiction)
	if err != nil {
		return nil, translate(err, "list reference entries")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ReferenceEntry, error) {
		var (
			e    model.ReferenceEntry
			meta []byte
		)
		if err := row.Scan(&e.ID, &e.TableID, &e.Category, &e.Name, &e.Code, &e.Jurisdiction, &meta,
			&e.EvidenceID, &e.UpdatedAt); err != nil {
			return e, err
		}
		return e, unmarshalJSON(meta, &e.Metadata, "reference metadata")
	})
	if err != nil {
		return nil, translate(err, "scan reference entries")
	}
	return out, nil
}
