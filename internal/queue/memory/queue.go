// Package memory provides an in-process task queue and deduper for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/queue"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch          chan model.Task
	maxAttempts int
	logger      *zap.Logger

	closeMu sync.RWMutex
	closed  bool

	deadMu sync.Mutex
	dead   []model.Task
}

// NewQueue constructs a queue with the provided capacity. Failed tasks are retried up
// to maxAttempts before they are parked in the dead-letter list.
func NewQueue(capacity, maxAttempts int, logger *zap.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ch:          make(chan model.Task, capacity),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Enqueue pushes a task or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, task model.Task) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Consume runs h for each task until ctx ends or the queue is closed and drained.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-q.ch:
			if !ok {
				return nil
			}
			if err := h(ctx, task); err != nil {
				q.retry(ctx, task, err)
			}
		}
	}
}

func (q *Queue) retry(ctx context.Context, task model.Task, cause error) {
	task.Attempt++
	if task.Attempt >= q.maxAttempts {
		q.logger.Warn("task dead-lettered",
			zap.String("kind", string(task.Kind)),
			zap.Int("attempts", task.Attempt),
			zap.Error(cause))
		q.deadMu.Lock()
		q.dead = append(q.dead, task)
		q.deadMu.Unlock()
		return
	}
	go func() {
		if err := q.Enqueue(context.WithoutCancel(ctx), task); err != nil {
			q.logger.Warn("task requeue failed", zap.String("kind", string(task.Kind)), zap.Error(err))
		}
	}()
}

// Len returns the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// DeadLetters returns tasks that exhausted their attempts.
func (q *Queue) DeadLetters() []model.Task {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]model.Task(nil), q.dead...)
}

// Close stops accepting tasks; buffered tasks are still delivered.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
