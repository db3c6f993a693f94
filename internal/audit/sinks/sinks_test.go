package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/store/memory"
)

func events(n int) []model.AuditEvent {
	out := make([]model.AuditEvent, n)
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = model.AuditEvent{
			Operation:  model.OpEvidenceCaptured,
			EntityType: model.EntityEvidence,
			EntityID:   "ev",
			TS:         ts.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestPrometheusSinkCountsEvents(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	batch := append(events(3), model.AuditEvent{
		Operation:  model.OpRuleTransition,
		EntityType: model.EntityRule,
		TS:         time.Unix(1700000000, 0),
	})
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.InDelta(t, 3.0, testutil.ToFloat64(sink.events.WithLabelValues(model.OpEvidenceCaptured, model.EntityEvidence)), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues(model.OpRuleTransition, model.EntityRule)), 1e-9)
	assert.InDelta(t, 1700000000.0, testutil.ToFloat64(sink.lastSeen.WithLabelValues(model.OpRuleTransition)), 1e-3)
	assert.Equal(t, 1, testutil.CollectAndCount(sink.batches, "regwatch_audit_batch_size"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestStoreSinkChunks(t *testing.T) {
	t.Parallel()

	store := memory.New()
	sink := NewStoreSink(store, 2, nil)
	require.NoError(t, sink.Consume(context.Background(), events(5)))
	assert.Len(t, store.AuditEvents(), 5)
}

type failingRepo struct{ calls int }

func (f *failingRepo) InsertAuditEvents(context.Context, []model.AuditEvent) error {
	f.calls++
	return errors.New("connection reset")
}

func TestStoreSinkStopsOnError(t *testing.T) {
	t.Parallel()

	repo := &failingRepo{}
	err := NewStoreSink(repo, 2, nil).Consume(context.Background(), events(5))
	require.Error(t, err)
	assert.Equal(t, 1, repo.calls)
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), events(2)))
	require.NoError(t, sink.Close(context.Background()))
}
