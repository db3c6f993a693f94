package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/queue"
	"github.com/JakeFAU/regwatch/internal/queue/memory"
)

// TestDispatcherRunProcessesTasks ensures consumers drain the queue and stop on cancel.
func TestDispatcherRunProcessesTasks(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(16, 3, nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(_ context.Context, task model.Task) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, task.IdempotencyKey)
		return nil
	}
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), model.Task{Kind: model.TaskOCR, IdempotencyKey: key}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(q, handler, 2, nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

// TestDispatcherStartsEveryConsumer verifies the configured fan-out.
func TestDispatcherStartsEveryConsumer(t *testing.T) {
	t.Parallel()

	q := &countingQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(q, nil, 4, nil).Run(ctx) }()

	require.Eventually(t, func() bool { return q.started.Load() == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// TestDispatcherRunReturnsConsumerError checks a failing backend stops Run.
func TestDispatcherRunReturnsConsumerError(t *testing.T) {
	t.Parallel()

	q := &countingQueue{err: errors.New("subscription gone")}
	err := New(q, nil, 2, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription gone")
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	q := &countingQueue{err: errors.New("boom")}
	err := New(q, nil, 1, nil).Enqueue(context.Background(), model.Task{Kind: model.TaskCompose})
	require.EqualError(t, err, "queue enqueue: boom")
}

type countingQueue struct {
	started atomic.Int32
	err     error
}

func (q *countingQueue) Enqueue(context.Context, model.Task) error {
	return q.err
}

func (q *countingQueue) Consume(ctx context.Context, _ queue.Handler) error {
	q.started.Add(1)
	if q.err != nil {
		return q.err
	}
	<-ctx.Done()
	return nil
}

func (q *countingQueue) Close() error { return nil }
