// Package evidence captures fetched content as immutable, content-addressed evidence
// and derives the text artifacts the extraction pipeline reads.
package evidence

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/ocr"
	"github.com/JakeFAU/regwatch/internal/storage"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// DefaultInlineLimit caps how much extracted text is copied into Evidence.RawContent.
const DefaultInlineLimit = 256 << 10

// ErrNoText is returned when evidence has no primary text artifact yet.
var ErrNoText = errors.New("evidence has no text artifact")

// CaptureInput is one fetched document.
type CaptureInput struct {
	URL         string
	SourceID    string
	ContentType string
	Body        []byte
}

// CaptureResult reports what Capture stored.
type CaptureResult struct {
	Evidence model.Evidence
	Artifact *model.EvidenceArtifact
	Reused   bool
	Enqueued []model.TaskKind
}

// Service owns the evidence lifecycle.
type Service struct {
	repo        model.EvidenceRepository
	blobs       storage.BlobStore
	queue       model.Enqueuer
	pdf         ocr.Extractor
	scanner     ocr.Extractor
	audit       model.Auditor
	clock       model.Clock
	logger      *zap.Logger
	inlineLimit int
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithPDFText overrides the text-layer extractor used for PDFs.
func WithPDFText(e ocr.Extractor) Option { return func(s *Service) { s.pdf = e } }

// WithOCR sets the extractor used for scanned PDFs.
func WithOCR(e ocr.Extractor) Option { return func(s *Service) { s.scanner = e } }

// WithInlineLimit overrides DefaultInlineLimit.
func WithInlineLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.inlineLimit = n
		}
	}
}

// NewService builds a Service. Blobs may be nil, in which case raw bytes are kept
// only through RawContent.
func NewService(repo model.EvidenceRepository, blobs storage.BlobStore, queue model.Enqueuer, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		blobs:       blobs,
		queue:       queue,
		pdf:         ocr.NewPdfToText(""),
		audit:       model.NopAuditor{},
		clock:       clock.New(),
		logger:      zap.NewNop(),
		inlineLimit: DefaultInlineLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture stores body as evidence. Identical bytes from the same URL reuse the
// existing row, so repeated captures never duplicate evidence. A reused row whose
// follow-up tasks never reached the queue gets them enqueued again.
func (s *Service) Capture(ctx context.Context, in CaptureInput) (CaptureResult, error) {
	hash := idgen.ContentHash(in.Body)

	existing, err := s.repo.FindEvidence(ctx, in.URL, hash)
	switch {
	case err == nil:
		result := s.reuse(existing)
		if existing.FollowUpQueuedAt != nil {
			return result, nil
		}
		return s.resume(ctx, result, in)
	case !errors.Is(err, model.ErrNotFound):
		return CaptureResult{}, eris.Wrapf(err, "find evidence for %s", in.URL)
	}

	class, text := s.derive(ctx, in)
	ev := model.Evidence{
		SourceID:     in.SourceID,
		URL:          in.URL,
		ContentHash:  hash,
		ContentType:  in.ContentType,
		ContentClass: class,
		FetchedAt:    s.clock.Now().UTC(),
	}
	switch {
	case class == model.ClassPDFScanned:
		ev.RawContent = base64.StdEncoding.EncodeToString(in.Body)
	case text != nil:
		ev.RawContent = truncate(text.text, s.inlineLimit)
	}
	if s.blobs != nil {
		uri, putErr := s.blobs.PutObject(ctx, storage.EvidencePath(hash), in.ContentType, bytes.NewReader(in.Body))
		if putErr != nil {
			return CaptureResult{}, eris.Wrapf(putErr, "store evidence blob for %s", in.URL)
		}
		ev.BlobURI = uri
	}

	if err := s.repo.InsertEvidence(ctx, &ev); err != nil {
		if !errors.Is(err, model.ErrConflict) {
			return CaptureResult{}, eris.Wrapf(err, "insert evidence for %s", in.URL)
		}
		// Lost the race against a concurrent capture of the same bytes, which owns
		// the follow-up work.
		winner, findErr := s.repo.FindEvidence(ctx, in.URL, hash)
		if findErr != nil {
			return CaptureResult{}, eris.Wrapf(findErr, "reload evidence for %s", in.URL)
		}
		return s.reuse(winner), nil
	}

	s.emit(model.OpEvidenceCaptured, ev.ID, map[string]any{
		"url":           ev.URL,
		"content_hash":  ev.ContentHash,
		"content_class": string(ev.ContentClass),
	})
	telemetry.ObserveEvidenceCapture(string(class), false)

	return s.followUp(ctx, CaptureResult{Evidence: ev}, text)
}

// derive classifies body and builds its text when the class has a text layer.
// Text PDFs without one are reclassified as scanned.
func (s *Service) derive(ctx context.Context, in CaptureInput) (model.ContentClass, *extracted) {
	class := Classify(in.ContentType, in.Body)
	switch class {
	case model.ClassPDFText:
		res, err := s.pdf.Extract(ctx, in.Body)
		if err != nil || !ocr.HasTextLayer(res.Text, res.Pages) {
			if err != nil {
				s.logger.Warn("pdf text extraction failed, routing to ocr", zap.String("url", in.URL), zap.Error(err))
			}
			return model.ClassPDFScanned, nil
		}
		return class, &extracted{kind: model.ArtifactPDFText, text: res.Text, pages: res.Pages}
	case model.ClassPDFScanned, model.ClassUnknown:
		return class, nil
	default:
		out, err := textBuilders[class](ctx, in.Body)
		if err != nil {
			s.logger.Warn("text extraction failed", zap.String("url", in.URL), zap.String("class", string(class)), zap.Error(err))
			return class, nil
		}
		return class, &out
	}
}

// followUp attaches text and enqueues the tasks the evidence class needs, then
// marks the evidence so later captures of the same bytes leave it alone.
func (s *Service) followUp(ctx context.Context, result CaptureResult, text *extracted) (CaptureResult, error) {
	ev := &result.Evidence
	var kinds []model.TaskKind
	switch {
	case ev.ContentClass == model.ClassPDFScanned && ev.PrimaryTextArtifactID == "":
		kinds = []model.TaskKind{model.TaskOCR}
	case ev.PrimaryTextArtifactID != "":
		kinds = []model.TaskKind{model.TaskExtraction, model.TaskEmbedding}
	case text != nil:
		art, err := s.attach(ctx, ev, *text)
		if err != nil {
			return result, err
		}
		result.Artifact = art
		kinds = []model.TaskKind{model.TaskExtraction, model.TaskEmbedding}
	default:
		s.logger.Info("evidence stored without text", zap.String("evidence_id", ev.ID), zap.String("class", string(ev.ContentClass)))
	}
	for _, kind := range kinds {
		if err := s.enqueue(ctx, ev.ID, kind); err != nil {
			return result, err
		}
		result.Enqueued = append(result.Enqueued, kind)
	}
	now := s.clock.Now().UTC()
	if err := s.repo.MarkFollowUpQueued(ctx, ev.ID, now); err != nil {
		return result, eris.Wrapf(err, "mark follow-up queued for %s", ev.ID)
	}
	ev.FollowUpQueuedAt = &now
	return result, nil
}

// resume finishes the follow-up work of evidence whose earlier capture failed
// after the row was inserted.
func (s *Service) resume(ctx context.Context, result CaptureResult, in CaptureInput) (CaptureResult, error) {
	s.logger.Info("resuming follow-up work for evidence", zap.String("evidence_id", result.Evidence.ID))
	var text *extracted
	if result.Evidence.PrimaryTextArtifactID == "" && result.Evidence.ContentClass != model.ClassPDFScanned {
		_, text = s.derive(ctx, in)
	}
	return s.followUp(ctx, result, text)
}

func (s *Service) reuse(ev model.Evidence) CaptureResult {
	s.emit(model.OpEvidenceReused, ev.ID, map[string]any{"url": ev.URL, "content_hash": ev.ContentHash})
	telemetry.ObserveEvidenceCapture(string(ev.ContentClass), true)
	return CaptureResult{Evidence: ev, Reused: true}
}

// HandleOCR runs OCR on a scanned PDF and attaches the result as the primary text,
// then enqueues extraction. Evidence that already has a primary artifact is not
// OCRed again.
func (s *Service) HandleOCR(ctx context.Context, evidenceID string) (*model.EvidenceArtifact, error) {
	if s.scanner == nil {
		return nil, eris.New("ocr extractor is not configured")
	}
	ev, err := s.repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, eris.Wrapf(err, "load evidence %s", evidenceID)
	}
	var art *model.EvidenceArtifact
	if ev.PrimaryTextArtifactID != "" {
		// A redelivered task after a failed enqueue: only the follow-up is missing.
		existing, err := s.repo.GetArtifact(ctx, ev.PrimaryTextArtifactID)
		if err != nil {
			return nil, eris.Wrapf(err, "load artifact %s", ev.PrimaryTextArtifactID)
		}
		art = &existing
	} else {
		doc, err := s.rawBytes(ctx, ev)
		if err != nil {
			return nil, err
		}
		res, err := s.scanner.Extract(ctx, doc)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr evidence %s", evidenceID)
		}
		art, err = s.attach(ctx, &ev, extracted{kind: model.ArtifactOCRText, text: res.Text, pages: res.Pages})
		if err != nil {
			return nil, err
		}
	}
	for _, kind := range []model.TaskKind{model.TaskExtraction, model.TaskEmbedding} {
		if err := s.enqueue(ctx, ev.ID, kind); err != nil {
			return art, err
		}
	}
	return art, nil
}

// PrimaryText returns the evidence row and the text of its primary artifact.
func (s *Service) PrimaryText(ctx context.Context, evidenceID string) (model.Evidence, string, error) {
	ev, err := s.repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return model.Evidence{}, "", eris.Wrapf(err, "load evidence %s", evidenceID)
	}
	if ev.PrimaryTextArtifactID == "" {
		return ev, "", ErrNoText
	}
	art, err := s.repo.GetArtifact(ctx, ev.PrimaryTextArtifactID)
	if err != nil {
		return ev, "", eris.Wrapf(err, "load artifact %s", ev.PrimaryTextArtifactID)
	}
	return ev, art.Text, nil
}

func (s *Service) rawBytes(ctx context.Context, ev model.Evidence) ([]byte, error) {
	if ev.BlobURI != "" && s.blobs != nil {
		data, err := s.blobs.GetObject(ctx, ev.BlobURI)
		if err == nil {
			return data, nil
		}
		s.logger.Warn("blob read failed, falling back to inline content", zap.String("uri", ev.BlobURI), zap.Error(err))
	}
	if ev.RawContent == "" {
		return nil, eris.Errorf("evidence %s has no retrievable content", ev.ID)
	}
	data, err := base64.StdEncoding.DecodeString(ev.RawContent)
	if err != nil {
		return nil, eris.Wrapf(err, "decode inline content of %s", ev.ID)
	}
	return data, nil
}

func (s *Service) attach(ctx context.Context, ev *model.Evidence, text extracted) (*model.EvidenceArtifact, error) {
	art := model.EvidenceArtifact{
		EvidenceID: ev.ID,
		Kind:       text.kind,
		Text:       text.text,
		PageCount:  text.pages,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.InsertArtifact(ctx, &art); err != nil {
		return nil, eris.Wrapf(err, "insert %s artifact for %s", text.kind, ev.ID)
	}
	if err := s.repo.SetPrimaryTextArtifact(ctx, ev.ID, art.ID); err != nil {
		return nil, eris.Wrapf(err, "set primary artifact for %s", ev.ID)
	}
	ev.PrimaryTextArtifactID = art.ID
	s.emit(model.OpArtifactCreated, ev.ID, map[string]any{
		"artifact_id": art.ID,
		"kind":        string(art.Kind),
		"pages":       art.PageCount,
	})
	return &art, nil
}

func (s *Service) enqueue(ctx context.Context, evidenceID string, kind model.TaskKind) error {
	task, err := model.NewTask(kind, model.EvidencePayload{EvidenceID: evidenceID}, string(kind)+":"+evidenceID)
	if err != nil {
		return eris.Wrap(err, "build task")
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		return eris.Wrapf(err, "enqueue %s for %s", kind, evidenceID)
	}
	return nil
}

func (s *Service) emit(op, id string, meta map[string]any) {
	s.audit.Emit(model.AuditEvent{
		Operation:  op,
		EntityType: model.EntityEvidence,
		EntityID:   id,
		Metadata:   meta,
		TS:         s.clock.Now().UTC(),
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
