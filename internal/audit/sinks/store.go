package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
)

// DefaultStoreChunk caps the rows written per InsertAuditEvents call.
const DefaultStoreChunk = 200

// StoreSink persists audit events through a model.AuditRepository in chunks.
type StoreSink struct {
	repo   model.AuditRepository
	chunk  int
	logger *zap.Logger
}

// NewStoreSink builds a StoreSink. chunk <= 0 uses DefaultStoreChunk.
func NewStoreSink(repo model.AuditRepository, chunk int, logger *zap.Logger) *StoreSink {
	if chunk <= 0 {
		chunk = DefaultStoreChunk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, chunk: chunk, logger: logger}
}

// Consume writes the batch. The first repository error stops the batch and is returned.
func (s *StoreSink) Consume(ctx context.Context, batch []model.AuditEvent) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for start := 0; start < len(batch); start += s.chunk {
		end := min(start+s.chunk, len(batch))
		if err := s.repo.InsertAuditEvents(ctx, batch[start:end]); err != nil {
			return fmt.Errorf("insert audit events %d-%d: %w", start, end, err)
		}
	}
	s.logger.Debug("audit events persisted", zap.Int("count", len(batch)))
	return nil
}

// Close is a no-op.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
