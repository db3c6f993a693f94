// Package embedding detects semantic near-duplicates across URLs. Embedding tasks are
// handled one at a time so a burst of captures never fans out into concurrent calls
// against the inference backend.
package embedding

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/evidence"
	"github.com/JakeFAU/regwatch/internal/llm"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// Defaults for the near-duplicate search.
const (
	DefaultThreshold = 0.95
	DefaultNeighbors = 5
	DefaultMaxRunes  = 8000
)

// TextSource returns the primary text of an evidence row.
type TextSource interface {
	PrimaryText(ctx context.Context, evidenceID string) (model.Evidence, string, error)
}

// Repository records near-duplicate links.
type Repository interface {
	SaveNearDuplicate(ctx context.Context, dup model.NearDuplicate) error
}

// Config tunes a Worker.
type Config struct {
	Threshold float64
	Neighbors int
	MaxRunes  int
}

// Result describes one handled embedding task.
type Result struct {
	EvidenceID string
	Skipped    bool
	Duplicate  *model.NearDuplicate
}

// Worker embeds evidence text and links near-duplicates.
type Worker struct {
	texts    TextSource
	embedder llm.Embedder
	index    Index
	repo     Repository
	cfg      Config
	audit    model.Auditor
	clock    model.Clock
	logger   *zap.Logger

	mu sync.Mutex
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(w *Worker) { w.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option {
	return func(w *Worker) {
		if a != nil {
			w.audit = a
		}
	}
}

// NewWorker builds a Worker. Zero config fields take the package defaults.
func NewWorker(texts TextSource, embedder llm.Embedder, index Index, repo Repository, cfg Config, opts ...Option) *Worker {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Neighbors <= 0 {
		cfg.Neighbors = DefaultNeighbors
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = DefaultMaxRunes
	}
	w := &Worker{
		texts:    texts,
		embedder: embedder,
		index:    index,
		repo:     repo,
		cfg:      cfg,
		audit:    model.NopAuditor{},
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one embedding task. Calls are serialized.
func (w *Worker) Handle(ctx context.Context, evidenceID string) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "embedding.Handle")
	defer span.End()

	res := Result{EvidenceID: evidenceID}
	ev, text, err := w.texts.PrimaryText(ctx, evidenceID)
	if errors.Is(err, evidence.ErrNoText) {
		w.logger.Debug("evidence has no text yet, skipping embedding", zap.String("evidence_id", evidenceID))
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, eris.Wrapf(err, "load text for %s", evidenceID)
	}
	if text == "" {
		res.Skipped = true
		return res, nil
	}

	vec, err := w.embedder.Embed(ctx, clip(text, w.cfg.MaxRunes))
	if err != nil {
		return res, eris.Wrapf(err, "embed evidence %s", evidenceID)
	}
	if len(vec) == 0 {
		return res, eris.Errorf("embedding backend returned an empty vector for %s", evidenceID)
	}

	matches, err := w.index.Search(ctx, vec, w.cfg.Neighbors, w.cfg.Threshold)
	if err != nil {
		return res, eris.Wrapf(err, "search neighbours of %s", evidenceID)
	}
	for _, m := range matches {
		if m.EvidenceID == ev.ID || m.URL == ev.URL || m.Score < w.cfg.Threshold {
			continue
		}
		dup := model.NearDuplicate{
			EvidenceID:   ev.ID,
			DuplicateOf:  m.EvidenceID,
			Similarity:   m.Score,
			DuplicateURL: m.URL,
			DetectedAt:   w.clock.Now().UTC(),
		}
		if err := w.repo.SaveNearDuplicate(ctx, dup); err != nil {
			return res, eris.Wrapf(err, "record near duplicate of %s", evidenceID)
		}
		telemetry.ObserveNearDuplicate()
		w.audit.Emit(model.AuditEvent{
			Operation:  model.OpNearDuplicate,
			EntityType: model.EntityEvidence,
			EntityID:   ev.ID,
			Metadata: map[string]any{
				"duplicate_of":  m.EvidenceID,
				"duplicate_url": m.URL,
				"similarity":    m.Score,
			},
			TS: dup.DetectedAt,
		})
		w.logger.Info("near duplicate detected",
			zap.String("evidence_id", ev.ID),
			zap.String("duplicate_of", m.EvidenceID),
			zap.Float64("similarity", m.Score),
		)
		res.Duplicate = &dup
		break
	}

	if err := w.index.Upsert(ctx, Point{EvidenceID: ev.ID, URL: ev.URL, ContentHash: ev.ContentHash, Vector: vec}); err != nil {
		return res, eris.Wrapf(err, "index evidence %s", evidenceID)
	}
	return res, nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
