package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
)

// LogSink writes each audit event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger. A nil logger discards events.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("audit")}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []model.AuditEvent) error {
	for _, evt := range batch {
		s.logger.Info(evt.Operation,
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID),
			zap.Time("ts", evt.TS),
			zap.Any("metadata", evt.Metadata),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}
