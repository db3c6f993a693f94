// Package extract turns evidence text into validated source pointers and reference
// tables. Every claim passes deterministic checks before it is stored; failures go to
// the dead-letter table.
package extract

import (
	"context"
	"encoding/json"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// AgentRunner executes one agent call.
type AgentRunner interface {
	Run(ctx context.Context, call agent.Call) (agent.Result, error)
}

// TextSource returns the primary text of an evidence row.
type TextSource interface {
	PrimaryText(ctx context.Context, evidenceID string) (model.Evidence, string, error)
}

// Repository persists extraction results.
type Repository interface {
	model.PointerRepository
	SaveCoverage(ctx context.Context, report model.CoverageReport) error
}

// DefaultCoverageThreshold flags extractions below this score as incomplete.
const DefaultCoverageThreshold = 0.8

// DefaultMaxInputRunes caps the text sent to the extraction agent.
const DefaultMaxInputRunes = 60000

// DefaultExpectations lists the value types expected once a regulatory domain appears.
var DefaultExpectations = map[string][]string{
	"vat":          {"vat_rate", "vat_reduced_rate"},
	"income_tax":   {"tax_rate", "threshold"},
	"contribution": {"contribution_rate"},
	"fiscal":       {"deadline"},
}

const extractorPrompt = `You extract atomic regulatory facts from official documents.
For every fact return domain, value_type, extracted_value, exact_quote copied verbatim
from the text, optional article_number, paragraph_number and law_reference, and a
confidence between 0 and 1. Return {"claims": [...]}; return an empty list when the
document states no facts.`

const extractorInputSchema = `{
  "type": "object",
  "required": ["source_url", "text"],
  "properties": {
    "source_url": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "expected_fields": {"type": "array", "items": {"type": "string"}}
  }
}`

const extractorOutputSchema = `{
  "type": "object",
  "required": ["claims"],
  "properties": {
    "claims": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["domain", "value_type", "extracted_value", "exact_quote", "confidence"],
        "properties": {
          "domain": {"type": "string"},
          "value_type": {"type": "string"},
          "extracted_value": {"type": ["string", "number"]},
          "exact_quote": {"type": "string"},
          "article_number": {"type": ["string", "null"]},
          "paragraph_number": {"type": ["string", "null"]},
          "law_reference": {"type": ["string", "null"]},
          "confidence": {"type": "number"}
        }
      }
    }
  }
}`

// ExtractorDefinition is the agent definition used for claim extraction.
func ExtractorDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentExtractor,
		SystemPrompt: extractorPrompt,
		InputSchema:  extractorInputSchema,
		OutputSchema: extractorOutputSchema,
		Temperature:  0.1,
		MaxRetries:   -1,
	}
}

type extractorInput struct {
	SourceURL      string   `json:"source_url"`
	Text           string   `json:"text"`
	ExpectedFields []string `json:"expected_fields,omitempty"`
}

// Report is the outcome of extracting one evidence row.
type Report struct {
	EvidenceID string
	RunID      string
	Pointers   []model.SourcePointer
	Rejected   []model.ExtractionRejected
	Coverage   model.CoverageReport
}

// Extractor is the Extraction Agent.
type Extractor struct {
	runner       AgentRunner
	texts        TextSource
	repo         Repository
	queue        model.Enqueuer
	audit        model.Auditor
	clock        model.Clock
	logger       *zap.Logger
	expectations map[string][]string
	threshold    float64
	maxRunes     int
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(e *Extractor) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option {
	return func(e *Extractor) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithExpectations replaces DefaultExpectations.
func WithExpectations(m map[string][]string) Option {
	return func(e *Extractor) { e.expectations = m }
}

// WithCoverageThreshold overrides DefaultCoverageThreshold.
func WithCoverageThreshold(v float64) Option {
	return func(e *Extractor) {
		if v > 0 && v <= 1 {
			e.threshold = v
		}
	}
}

// NewExtractor builds an Extractor. queue may be nil to skip compose hand-off.
func NewExtractor(runner AgentRunner, texts TextSource, repo Repository, queue model.Enqueuer, opts ...Option) *Extractor {
	e := &Extractor{
		runner:       runner,
		texts:        texts,
		repo:         repo,
		queue:        queue,
		audit:        model.NopAuditor{},
		clock:        clock.New(),
		logger:       zap.NewNop(),
		expectations: DefaultExpectations,
		threshold:    DefaultCoverageThreshold,
		maxRunes:     DefaultMaxInputRunes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs the extraction agent over one evidence row, stores accepted claims as
// source pointers, dead-letters the rest and records coverage.
func (e *Extractor) Extract(ctx context.Context, evidenceID string) (Report, error) {
	ev, text, err := e.texts.PrimaryText(ctx, evidenceID)
	if err != nil {
		return Report{}, eris.Wrapf(err, "load text for %s", evidenceID)
	}
	logger := e.logger.With(zap.String("evidence_id", evidenceID))

	res, err := e.runner.Run(ctx, agent.Call{
		Agent:      ExtractorDefinition(),
		Input:      extractorInput{SourceURL: ev.URL, Text: truncateRunes(text, e.maxRunes), ExpectedFields: e.allExpected()},
		EvidenceID: evidenceID,
	})
	if err != nil {
		return Report{}, eris.Wrapf(err, "extract claims from %s", evidenceID)
	}

	var out struct {
		Claims []json.RawMessage `json:"claims"`
	}
	if err := res.Decode(&out); err != nil {
		return Report{}, err
	}

	report := Report{EvidenceID: evidenceID, RunID: res.RunID}
	source := NormalizeQuote(text)
	now := e.clock.Now().UTC()
	domains := make(map[string]struct{})

	for _, raw := range out.Claims {
		var c Claim
		if err := json.Unmarshal(raw, &c); err != nil {
			report.Rejected = append(report.Rejected, e.reject(ctx, logger, evidenceID, res.RunID, raw,
				Rejection{Reason: model.RejectValidationFailed, Detail: err.Error()}, now))
			continue
		}
		if c.Domain != "" {
			domains[c.Domain] = struct{}{}
		}
		if rej := Validate(c, source); rej != nil {
			report.Rejected = append(report.Rejected, e.reject(ctx, logger, evidenceID, res.RunID, raw, *rej, now))
			continue
		}
		report.Pointers = append(report.Pointers, model.SourcePointer{
			EvidenceID:      evidenceID,
			Domain:          c.Domain,
			ValueType:       c.ValueType,
			ExtractedValue:  CanonicalValue(c.ValueType, string(c.ExtractedValue)),
			ExactQuote:      c.ExactQuote,
			ArticleNumber:   c.ArticleNumber,
			ParagraphNumber: c.ParagraphNumber,
			LawReference:    c.LawReference,
			Confidence:      c.Confidence,
			CreatedAt:       now,
		})
	}

	if len(report.Pointers) > 0 {
		if err := e.repo.InsertPointers(ctx, report.Pointers); err != nil {
			return report, eris.Wrapf(err, "store pointers for %s", evidenceID)
		}
		telemetry.ObservePointers(len(report.Pointers))
		e.emit(model.OpPointersCreated, evidenceID, map[string]any{
			"count":        len(report.Pointers),
			"agent_run_id": res.RunID,
		})
	}

	report.Coverage = e.coverage(evidenceID, domains, report.Pointers, now)
	if err := e.repo.SaveCoverage(ctx, report.Coverage); err != nil {
		logger.Warn("failed to save coverage", zap.Error(err))
	}
	e.emit(model.OpCoverageComputed, evidenceID, map[string]any{
		"score":      report.Coverage.Score,
		"incomplete": report.Coverage.Incomplete,
	})

	if len(report.Pointers) > 0 && e.queue != nil {
		task, err := model.NewTask(model.TaskCompose, model.ComposePayload{EvidenceID: evidenceID}, "compose:"+evidenceID)
		if err != nil {
			return report, eris.Wrap(err, "build compose task")
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			return report, eris.Wrapf(err, "enqueue compose for %s", evidenceID)
		}
	}

	logger.Info("extraction finished",
		zap.Int("pointers", len(report.Pointers)),
		zap.Int("rejected", len(report.Rejected)),
		zap.Float64("coverage", report.Coverage.Score),
	)
	return report, nil
}

func (e *Extractor) reject(ctx context.Context, logger *zap.Logger, evidenceID, runID string, raw json.RawMessage, rej Rejection, now time.Time) model.ExtractionRejected {
	rec := model.ExtractionRejected{
		EvidenceID: evidenceID,
		AgentRunID: runID,
		Reason:     rej.Reason,
		Detail:     rej.Detail,
		RawOutput:  raw,
		CreatedAt:  now,
	}
	if err := e.repo.InsertRejection(ctx, rec); err != nil {
		logger.Error("failed to dead-letter claim", zap.String("reason", string(rej.Reason)), zap.Error(err))
	}
	telemetry.ObserveRejection(string(rej.Reason))
	e.emit(model.OpExtractionRejected, evidenceID, map[string]any{
		"reason":       string(rej.Reason),
		"detail":       rej.Detail,
		"agent_run_id": runID,
	})
	return rec
}

func (e *Extractor) coverage(evidenceID string, domains map[string]struct{}, pointers []model.SourcePointer, now time.Time) model.CoverageReport {
	expectedSet := make(map[string]struct{})
	for d := range domains {
		for _, f := range e.expectations[d] {
			expectedSet[f] = struct{}{}
		}
	}
	got := make(map[string]struct{})
	for _, p := range pointers {
		if _, ok := expectedSet[p.ValueType]; ok {
			got[p.ValueType] = struct{}{}
		}
	}
	report := model.CoverageReport{
		EvidenceID: evidenceID,
		Expected:   sortedKeys(expectedSet),
		Extracted:  sortedKeys(got),
		Score:      1,
		ComputedAt: now,
	}
	if len(expectedSet) > 0 {
		report.Score = float64(len(got)) / float64(len(expectedSet))
	}
	report.Incomplete = report.Score < e.threshold
	return report
}

func (e *Extractor) allExpected() []string {
	set := make(map[string]struct{})
	for _, fields := range e.expectations {
		for _, f := range fields {
			set[f] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func (e *Extractor) emit(op, id string, meta map[string]any) {
	e.audit.Emit(model.AuditEvent{
		Operation:  op,
		EntityType: model.EntityEvidence,
		EntityID:   id,
		Metadata:   meta,
		TS:         e.clock.Now().UTC(),
	})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
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
