package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 4096).
//   - MaxBatchEvents: flush once this many events are pending (default 500).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: deadline for one sink call (default 10s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
	Clock          model.Clock
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// ErrInvalidEvent is reported for events missing an operation or entity type.
var ErrInvalidEvent = errors.New("audit event needs an operation and entity type")

// Hub implements model.Auditor. It is safe for concurrent use.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan model.AuditEvent
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	clock   model.Clock
	dropped atomic.Int64
	pending atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub feeding the given sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan model.AuditEvent, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.clock == nil {
		h.clock = clock.New()
	}
	go h.run()
	return h
}

// Emit queues an event. When the buffer is full the event is dropped and a rate-limited
// warning is logged; callers are never blocked.
func (h *Hub) Emit(evt model.AuditEvent) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.Operation == "" || evt.EntityType == "" {
		h.logger.Debug("discarding audit event", zap.Error(ErrInvalidEvent), zap.String("operation", evt.Operation))
		return
	}
	if evt.TS.IsZero() {
		evt.TS = h.clock.Now().UTC()
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.pending.Add(1)
		h.warnDropped()
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) warnDropped() {
	now := time.Now().UnixNano()
	last := h.lastLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("audit events dropped due to backpressure", zap.Int64("dropped", h.pending.Swap(0)))
}

// Close drains queued events, flushes and closes the sinks. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]model.AuditEvent, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	armed := false

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				armed = disarm(timer, armed)
			} else if !armed {
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			batch = h.flush(batch)
		case <-h.stop:
			disarm(timer, armed)
			h.drain(batch)
			return
		}
	}
}

func disarm(timer *time.Timer, armed bool) bool {
	if armed && !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	return false
}

func (h *Hub) drain(batch []model.AuditEvent) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			ctx := h.closeCtx
			if ctx == nil {
				ctx = context.Background()
			}
			for _, s := range h.sinks {
				if err := s.Close(ctx); err != nil {
					h.logger.Warn("audit sink close failed", zap.Error(err))
				}
			}
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied for reuse.
func (h *Hub) flush(batch []model.AuditEvent) []model.AuditEvent {
	if len(batch) == 0 {
		return batch
	}
	out := append([]model.AuditEvent(nil), batch...)
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := s.Consume(ctx, out); err != nil {
			h.logger.Warn("audit sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}
