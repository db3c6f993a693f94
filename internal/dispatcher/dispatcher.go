// Package dispatcher fans queued tasks out to a pool of consumers.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/queue"
)

// Dispatcher runs a fixed number of consumers against one queue.
type Dispatcher struct {
	queue     queue.Queue
	handler   queue.Handler
	consumers int
	logger    *zap.Logger
}

// New creates a Dispatcher. Backends that parallelize delivery themselves
// (Pub/Sub) should be given a single consumer.
func New(q queue.Queue, handler queue.Handler, consumers int, logger *zap.Logger) *Dispatcher {
	if consumers <= 0 {
		consumers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     q,
		handler:   handler,
		consumers: consumers,
		logger:    logger,
	}
}

// Run starts all consumers and blocks until the context finishes or a
// consumer fails. The first consumer error cancels the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range d.consumers {
		g.Go(func() error {
			d.logger.Debug("consumer started", zap.Int("consumer", i))
			defer d.logger.Debug("consumer stopped", zap.Int("consumer", i))
			if err := d.queue.Consume(ctx, d.handler); err != nil {
				return fmt.Errorf("consumer %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task model.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
