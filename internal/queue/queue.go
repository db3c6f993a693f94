// Package queue defines the background task queue and the enqueue idempotency guard.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
)

// Handler processes one task. A returned error asks the backend to redeliver.
type Handler func(ctx context.Context, task model.Task) error

// Queue is implemented by the memory and Pub/Sub backends.
type Queue interface {
	Enqueue(ctx context.Context, task model.Task) error
	// Consume blocks, dispatching tasks to h until ctx ends or the queue closes.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Deduper claims idempotency keys. Claim reports false when the key was already claimed.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Guarded drops tasks whose idempotency key was already enqueued within the TTL.
type Guarded struct {
	Queue
	dedup  Deduper
	ttl    time.Duration
	logger *zap.Logger
}

// NewGuarded wraps q with an idempotency guard.
func NewGuarded(q Queue, dedup Deduper, ttl time.Duration, logger *zap.Logger) *Guarded {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{Queue: q, dedup: dedup, ttl: ttl, logger: logger}
}

// Enqueue forwards task unless its key has been claimed. Tasks without a key always pass.
func (g *Guarded) Enqueue(ctx context.Context, task model.Task) error {
	if task.IdempotencyKey != "" && g.dedup != nil {
		fresh, err := g.dedup.Claim(ctx, task.IdempotencyKey, g.ttl)
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		if !fresh {
			g.logger.Debug("duplicate task suppressed",
				zap.String("kind", string(task.Kind)),
				zap.String("key", task.IdempotencyKey))
			return nil
		}
	}
	return g.Queue.Enqueue(ctx, task)
}
