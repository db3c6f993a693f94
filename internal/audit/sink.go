package audit

import (
	"context"

	"github.com/JakeFAU/regwatch/internal/model"
)

// Sink consumes batches of audit events. Consume honors ctx deadlines and may be called
// repeatedly; Close is called once when the Hub shuts down.
type Sink interface {
	Consume(ctx context.Context, batch []model.AuditEvent) error
	Close(ctx context.Context) error
}
