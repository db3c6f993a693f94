package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
)

// ReferenceRepository persists lookup tables and dead letters.
type ReferenceRepository interface {
	model.ReferenceRepository
	InsertRejection(ctx context.Context, rej model.ExtractionRejected) error
}

const referencePrompt = `You extract lookup tables (for example bank codes or tax office
codes) from official documents. Return {"category": ..., "jurisdiction": ..., "entries":
[{"name": ..., "code": ..., "metadata": {...}}]}. Copy names exactly as written.`

const referenceOutputSchema = `{
  "type": "object",
  "required": ["category", "jurisdiction", "entries"],
  "properties": {
    "category": {"type": "string", "minLength": 1},
    "jurisdiction": {"type": "string", "minLength": 1},
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "code"],
        "properties": {
          "name": {"type": "string"},
          "code": {"type": ["string", "number"]},
          "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

// ReferenceDefinition is the agent definition used for lookup-table extraction.
func ReferenceDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentReferenceExtractor,
		SystemPrompt: referencePrompt,
		InputSchema:  extractorInputSchema,
		OutputSchema: referenceOutputSchema,
		MaxRetries:   -1,
	}
}

type referenceOutput struct {
	Category     string `json:"category"`
	Jurisdiction string `json:"jurisdiction"`
	Entries      []struct {
		Name     string            `json:"name"`
		Code     FlexString        `json:"code"`
		Metadata map[string]string `json:"metadata"`
	} `json:"entries"`
}

// ReferenceResult summarizes one import.
type ReferenceResult struct {
	Tables   []model.ReferenceTable
	Upserted int
	Rejected int
}

// ReferenceExtractor builds reference tables from evidence or CSV files.
type ReferenceExtractor struct {
	runner AgentRunner
	texts  TextSource
	repo   ReferenceRepository
	audit  model.Auditor
	clock  model.Clock
	logger *zap.Logger
}

// NewReferenceExtractor builds a ReferenceExtractor. runner and texts may be nil when
// only CSV import is used.
func NewReferenceExtractor(runner AgentRunner, texts TextSource, repo ReferenceRepository, opts ...Option) *ReferenceExtractor {
	// Options are shared with Extractor; only clock, logger and auditor apply.
	e := &Extractor{audit: model.NopAuditor{}, clock: clock.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return &ReferenceExtractor{
		runner: runner,
		texts:  texts,
		repo:   repo,
		audit:  e.audit,
		clock:  e.clock,
		logger: e.logger,
	}
}

// ExtractEvidence runs the reference agent over one evidence row. Entries whose name
// does not occur in the text are dead-lettered.
func (r *ReferenceExtractor) ExtractEvidence(ctx context.Context, evidenceID string) (ReferenceResult, error) {
	if r.runner == nil || r.texts == nil {
		return ReferenceResult{}, eris.New("reference extraction agent is not configured")
	}
	ev, text, err := r.texts.PrimaryText(ctx, evidenceID)
	if err != nil {
		return ReferenceResult{}, eris.Wrapf(err, "load text for %s", evidenceID)
	}
	res, err := r.runner.Run(ctx, agent.Call{
		Agent:      ReferenceDefinition(),
		Input:      extractorInput{SourceURL: ev.URL, Text: truncateRunes(text, DefaultMaxInputRunes)},
		EvidenceID: evidenceID,
	})
	if err != nil {
		return ReferenceResult{}, eris.Wrapf(err, "extract reference table from %s", evidenceID)
	}
	var out referenceOutput
	if err := res.Decode(&out); err != nil {
		return ReferenceResult{}, err
	}

	now := r.clock.Now().UTC()
	source := NormalizeQuote(text)
	var (
		entries  []model.ReferenceEntry
		rejected int
	)
	for _, e := range out.Entries {
		if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(string(e.Code)) == "" || !QuoteMatches(e.Name, source) {
			raw, _ := json.Marshal(e)
			rec := model.ExtractionRejected{
				EvidenceID: evidenceID,
				AgentRunID: res.RunID,
				Reason:     model.RejectNoQuoteMatch,
				Detail:     "reference entry " + e.Name + " not found in source",
				RawOutput:  raw,
				CreatedAt:  now,
			}
			if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(string(e.Code)) == "" {
				rec.Reason = model.RejectValidationFailed
				rec.Detail = "reference entry missing name or code"
			}
			if err := r.repo.InsertRejection(ctx, rec); err != nil {
				r.logger.Error("failed to dead-letter reference entry", zap.Error(err))
			}
			rejected++
			continue
		}
		entries = append(entries, model.ReferenceEntry{
			Category:     out.Category,
			Name:         strings.TrimSpace(e.Name),
			Code:         strings.TrimSpace(string(e.Code)),
			Jurisdiction: out.Jurisdiction,
			Metadata:     e.Metadata,
			EvidenceID:   evidenceID,
			UpdatedAt:    now,
		})
	}

	result, err := r.store(ctx, ev.URL, evidenceID, entries)
	result.Rejected = rejected
	return result, err
}

// ImportCSV upserts rows of a category,name,code,jurisdiction file.
func (r *ReferenceExtractor) ImportCSV(ctx context.Context, in io.Reader, sourceURL string) (ReferenceResult, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(in))
	if err != nil {
		return ReferenceResult{}, eris.Wrap(err, "read csv header")
	}
	var rows []model.ReferenceEntry
	if err := dec.Decode(&rows); err != nil && !errors.Is(err, io.EOF) {
		return ReferenceResult{}, eris.Wrap(err, "decode reference csv")
	}
	now := r.clock.Now().UTC()
	valid := rows[:0]
	for _, row := range rows {
		row.Category = strings.TrimSpace(row.Category)
		row.Name = strings.TrimSpace(row.Name)
		row.Code = strings.TrimSpace(row.Code)
		row.Jurisdiction = strings.TrimSpace(row.Jurisdiction)
		if row.Category == "" || row.Name == "" || row.Jurisdiction == "" {
			r.logger.Warn("skipping incomplete reference row", zap.String("name", row.Name))
			continue
		}
		row.UpdatedAt = now
		valid = append(valid, row)
	}
	return r.store(ctx, sourceURL, "", valid)
}

type tableKey struct{ category, jurisdiction string }

func (r *ReferenceExtractor) store(ctx context.Context, sourceURL, evidenceID string, entries []model.ReferenceEntry) (ReferenceResult, error) {
	groups := make(map[tableKey][]model.ReferenceEntry)
	var order []tableKey
	for _, e := range entries {
		k := tableKey{e.Category, e.Jurisdiction}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var result ReferenceResult
	now := r.clock.Now().UTC()
	for _, k := range order {
		table := model.ReferenceTable{
			Category:     k.category,
			Jurisdiction: k.jurisdiction,
			SourceURL:    sourceURL,
			EvidenceID:   evidenceID,
			UpdatedAt:    now,
		}
		if err := r.repo.UpsertReferenceTable(ctx, &table); err != nil {
			return result, eris.Wrapf(err, "upsert reference table %s/%s", k.category, k.jurisdiction)
		}
		rows := groups[k]
		for i := range rows {
			rows[i].TableID = table.ID
		}
		n, err := r.repo.UpsertReferenceEntries(ctx, rows)
		if err != nil {
			return result, eris.Wrapf(err, "upsert reference entries %s/%s", k.category, k.jurisdiction)
		}
		result.Tables = append(result.Tables, table)
		result.Upserted += n
		r.audit.Emit(model.AuditEvent{
			Operation:  model.OpReferenceUpserted,
			EntityType: model.EntityReference,
			EntityID:   table.ID,
			Metadata:   map[string]any{"category": k.category, "jurisdiction": k.jurisdiction, "rows": n},
			TS:         now,
		})
	}
	return result, nil
}
