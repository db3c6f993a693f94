package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/regwatch/internal/model"
)

var auditColumns = []string{"operation", "entity_type", "entity_id", "metadata", "ts"}

// InsertAuditEvents appends a batch of audit events with COPY.
func (s *Store) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, evt := range events {
		var meta []byte
		if len(evt.Metadata) > 0 {
			raw, err := marshalJSON(evt.Metadata, "audit metadata")
			if err != nil {
				return err
			}
			meta = raw
		}
		rows = append(rows, []any{evt.Operation, evt.EntityType, evt.EntityID, meta, evt.TS})
	}
	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"audit_events"}, auditColumns, pgx.CopyFromRows(rows))
	return translate(err, "insert audit events")
}
