// Package worker executes queued background tasks: OCR, extraction, embedding,
// selector adaptation and rule composition.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/discovery"
	"github.com/JakeFAU/regwatch/internal/embedding"
	"github.com/JakeFAU/regwatch/internal/evidence"
	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/rules"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// ErrUnsupportedTask is returned for kinds with no configured handler.
var ErrUnsupportedTask = errors.New("unsupported task kind")

// OCRHandler turns scanned documents into text artifacts.
type OCRHandler interface {
	HandleOCR(ctx context.Context, evidenceID string) (*model.EvidenceArtifact, error)
}

// Extractor runs the Extraction Agent over one evidence row.
type Extractor interface {
	Extract(ctx context.Context, evidenceID string) (extract.Report, error)
}

// EmbeddingHandler indexes evidence text for near-duplicate detection.
type EmbeddingHandler interface {
	Handle(ctx context.Context, evidenceID string) (embedding.Result, error)
}

// SelectorAdapter repairs listing selectors after structural drift.
type SelectorAdapter interface {
	Adapt(ctx context.Context, payload model.SelectorAdaptationPayload) (discovery.AdaptResult, error)
}

// Composer drafts rules from an evidence row's pointers.
type Composer interface {
	Compose(ctx context.Context, evidenceID string) ([]rules.Draft, error)
}

// Reviewer gates one drafted rule.
type Reviewer interface {
	Review(ctx context.Context, ruleID string) (rules.Outcome, error)
}

// Arbiter resolves open conflicts.
type Arbiter interface {
	ResolveOpen(ctx context.Context, limit int) (int, error)
}

// Handlers wires each task kind to its collaborator. Nil entries make that kind unsupported.
type Handlers struct {
	OCR       OCRHandler
	Extract   Extractor
	Embedding EmbeddingHandler
	Adapt     SelectorAdapter
	Compose   Composer
	Review    Reviewer
	Arbiter   Arbiter
}

// Config controls Worker behavior.
type Config struct {
	// TaskTimeout bounds one task. Zero disables the bound.
	TaskTimeout time.Duration
	// ConflictBatch caps how many open conflicts a compose task arbitrates.
	ConflictBatch int
}

// Worker routes tasks to handlers. Handle satisfies queue.Handler.
type Worker struct {
	handlers Handlers
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(handlers Handlers, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConflictBatch <= 0 {
		cfg.ConflictBatch = 20
	}
	return &Worker{handlers: handlers, cfg: cfg, logger: logger}
}

// Handle runs one task. Permanent failures are logged and acknowledged; every
// other error is returned so the queue redelivers the task.
func (w *Worker) Handle(ctx context.Context, task model.Task) error {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	if w.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
		defer cancel()
	}
	ctx, span := telemetry.Tracer().Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.kind", string(task.Kind)),
		attribute.Int("task.attempt", task.Attempt),
	)

	logger := w.logger.With(
		zap.String("kind", string(task.Kind)),
		zap.String("key", task.IdempotencyKey),
		zap.Int("attempt", task.Attempt),
	)
	started := time.Now()
	err := w.dispatch(ctx, logger, task)
	switch {
	case err == nil:
		telemetry.ObserveTask(string(task.Kind), "ok")
		logger.Debug("task done", zap.Duration("duration", time.Since(started)))
		return nil
	case permanent(err):
		telemetry.ObserveTask(string(task.Kind), "dropped")
		span.RecordError(err)
		logger.Warn("task dropped", zap.Error(err))
		return nil
	default:
		telemetry.ObserveTask(string(task.Kind), "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		logger.Error("task failed", zap.Error(err))
		return err
	}
}

func (w *Worker) dispatch(ctx context.Context, logger *zap.Logger, task model.Task) error {
	switch task.Kind {
	case model.TaskOCR:
		if w.handlers.OCR == nil {
			return unsupported(task.Kind)
		}
		id, err := evidenceID(task)
		if err != nil {
			return err
		}
		art, err := w.handlers.OCR.HandleOCR(ctx, id)
		if err != nil {
			return err
		}
		if art != nil {
			logger.Info("ocr artifact stored", zap.String("evidence_id", id), zap.String("artifact_id", art.ID))
		}
		return nil

	case model.TaskExtraction:
		if w.handlers.Extract == nil {
			return unsupported(task.Kind)
		}
		id, err := evidenceID(task)
		if err != nil {
			return err
		}
		report, err := w.handlers.Extract.Extract(ctx, id)
		if err != nil {
			return err
		}
		logger.Info("extraction done",
			zap.String("evidence_id", id),
			zap.Int("pointers", len(report.Pointers)),
			zap.Int("rejected", len(report.Rejected)),
			zap.Float64("coverage", report.Coverage.Score))
		return nil

	case model.TaskEmbedding:
		if w.handlers.Embedding == nil {
			return unsupported(task.Kind)
		}
		id, err := evidenceID(task)
		if err != nil {
			return err
		}
		_, err = w.handlers.Embedding.Handle(ctx, id)
		return err

	case model.TaskSelectorAdaptation:
		if w.handlers.Adapt == nil {
			return unsupported(task.Kind)
		}
		var payload model.SelectorAdaptationPayload
		if err := decode(task, &payload); err != nil {
			return err
		}
		res, err := w.handlers.Adapt.Adapt(ctx, payload)
		if err != nil {
			return err
		}
		logger.Info("selector adaptation done",
			zap.String("endpoint_id", res.EndpointID),
			zap.Bool("applied", res.Applied),
			zap.String("reason", res.Reason))
		return nil

	case model.TaskCompose:
		if w.handlers.Compose == nil {
			return unsupported(task.Kind)
		}
		var payload model.ComposePayload
		if err := decode(task, &payload); err != nil {
			return err
		}
		return w.compose(ctx, logger, payload)

	default:
		return unsupported(task.Kind)
	}
}

// compose drafts rules, reviews each draft, then arbitrates whatever conflicts
// the drafts opened. A review failure on one draft does not block the others, but
// the task fails afterwards so redelivery picks the unreviewed draft up again.
func (w *Worker) compose(ctx context.Context, logger *zap.Logger, payload model.ComposePayload) error {
	drafts, err := w.handlers.Compose.Compose(ctx, payload.EvidenceID)
	if err != nil {
		return err
	}
	var (
		conflicts int
		failed    []error
	)
	if w.handlers.Review != nil {
		for _, d := range drafts {
			out, err := w.handlers.Review.Review(ctx, d.Rule.ID)
			var te *rules.TransitionError
			if errors.As(err, &te) {
				// Reviewed concurrently by another delivery.
				logger.Debug("draft already reviewed", zap.String("rule_id", d.Rule.ID))
				continue
			}
			if err != nil {
				logger.Warn("review failed", zap.String("rule_id", d.Rule.ID), zap.Error(err))
				failed = append(failed, fmt.Errorf("review %s: %w", d.Rule.ID, err))
				continue
			}
			if out.Conflict != nil || d.Conflict != nil {
				conflicts++
			}
			logger.Info("rule reviewed",
				zap.String("rule_id", d.Rule.ID),
				zap.String("concept", d.Rule.ConceptSlug),
				zap.String("decision", string(out.Decision)),
				zap.String("status", string(out.Rule.Status)))
		}
	}
	if conflicts > 0 && w.handlers.Arbiter != nil {
		resolved, err := w.handlers.Arbiter.ResolveOpen(ctx, w.cfg.ConflictBatch)
		if err != nil {
			return err
		}
		logger.Info("conflicts arbitrated", zap.Int("resolved", resolved))
	}
	return errors.Join(failed...)
}

type payloadError struct {
	kind model.TaskKind
	err  error
}

func (e *payloadError) Error() string { return fmt.Sprintf("decode %s payload: %v", e.kind, e.err) }

func (e *payloadError) Unwrap() error { return e.err }

func decode(task model.Task, v any) error {
	if err := json.Unmarshal(task.Payload, v); err != nil {
		return &payloadError{kind: task.Kind, err: err}
	}
	return nil
}

func evidenceID(task model.Task) (string, error) {
	var p model.EvidencePayload
	if err := decode(task, &p); err != nil {
		return "", err
	}
	if p.EvidenceID == "" {
		return "", &payloadError{kind: task.Kind, err: errors.New("missing evidence_id")}
	}
	return p.EvidenceID, nil
}

func unsupported(kind model.TaskKind) error {
	return fmt.Errorf("%s: %w", kind, ErrUnsupportedTask)
}

// permanent reports errors redelivery cannot fix.
func permanent(err error) bool {
	var (
		pe *payloadError
		ve *resilience.ValidationError
		ne *resilience.NonRetryableError
	)
	return errors.As(err, &pe) ||
		errors.As(err, &ve) ||
		errors.As(err, &ne) ||
		errors.Is(err, ErrUnsupportedTask) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, evidence.ErrNoText)
}
