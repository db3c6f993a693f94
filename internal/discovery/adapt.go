package discovery

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/fetcher"
	"github.com/JakeFAU/regwatch/internal/model"
)

// Adapter defaults.
const (
	DefaultAdaptMinConfidence = 0.8
	DefaultAdaptSampleRunes   = 20000
)

const selectorAdapterPrompt = `You repair CSS selectors for a regulatory news listing whose page
structure changed. Given the endpoint URL, the selectors that stopped matching and a sample of
the current HTML, return {"item_selector", "title_selector", "date_selector", "next_selector",
"confidence", "rationale"}. item_selector must match the anchor (or the element wrapping the
anchor) of every listed publication. Leave a field empty when the page has no such element.`

const selectorAdapterInputSchema = `{
  "type": "object",
  "required": ["endpoint_url", "html_sample"],
  "properties": {
    "endpoint_url": {"type": "string", "minLength": 1},
    "drift_percent": {"type": "number"},
    "html_sample": {"type": "string", "minLength": 1}
  }
}`

const selectorAdapterOutputSchema = `{
  "type": "object",
  "required": ["item_selector", "confidence"],
  "properties": {
    "item_selector": {"type": "string"},
    "title_selector": {"type": "string"},
    "date_selector": {"type": "string"},
    "next_selector": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"}
  }
}`

// SelectorAdapterDefinition is the agent definition used to repair listing selectors.
func SelectorAdapterDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentSelectorAdapter,
		SystemPrompt: selectorAdapterPrompt,
		InputSchema:  selectorAdapterInputSchema,
		OutputSchema: selectorAdapterOutputSchema,
		Temperature:  0,
		MaxRetries:   -1,
	}
}

// AgentRunner runs one agent call.
type AgentRunner interface {
	Run(ctx context.Context, call agent.Call) (agent.Result, error)
}

// AdapterConfig tunes an Adapter.
type AdapterConfig struct {
	MinConfidence float64
	SampleRunes   int
}

type selectorSet struct {
	ItemSelector  string `json:"item_selector"`
	TitleSelector string `json:"title_selector,omitempty"`
	DateSelector  string `json:"date_selector,omitempty"`
	NextSelector  string `json:"next_selector,omitempty"`
}

type adaptInput struct {
	EndpointURL  string      `json:"endpoint_url"`
	Strategy     string      `json:"strategy"`
	DriftPercent float64     `json:"drift_percent"`
	Current      selectorSet `json:"current"`
	HTMLSample   string      `json:"html_sample"`
}

type adaptOutput struct {
	selectorSet
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// AdaptResult reports what happened to one adaptation task.
type AdaptResult struct {
	EndpointID string
	RunID      string
	Applied    bool
	Matches    int
	Reason     string
}

// Adapter handles selector-adaptation tasks. Accepted proposals replace the
// listing selectors and drop the structural baseline so the next scan captures
// a fresh pending baseline for human approval.
type Adapter struct {
	endpoints model.EndpointRepository
	fetch     fetcher.Fetcher
	runner    AgentRunner
	cfg       AdapterConfig
	audit     model.Auditor
	logger    *zap.Logger
}

// NewAdapter builds an Adapter. logger and audit may be nil.
func NewAdapter(endpoints model.EndpointRepository, fetch fetcher.Fetcher, runner AgentRunner, cfg AdapterConfig, logger *zap.Logger, audit model.Auditor) *Adapter {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultAdaptMinConfidence
	}
	if cfg.SampleRunes <= 0 {
		cfg.SampleRunes = DefaultAdaptSampleRunes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = model.NopAuditor{}
	}
	return &Adapter{endpoints: endpoints, fetch: fetch, runner: runner, cfg: cfg, audit: audit, logger: logger}
}

// Adapt proposes and, when the proposal checks out against the live page, applies new selectors.
func (a *Adapter) Adapt(ctx context.Context, payload model.SelectorAdaptationPayload) (AdaptResult, error) {
	res := AdaptResult{EndpointID: payload.EndpointID}
	ep, err := a.endpoints.GetEndpoint(ctx, payload.EndpointID)
	if err != nil {
		return res, fmt.Errorf("load endpoint %s: %w", payload.EndpointID, err)
	}
	logger := a.logger.With(zap.String("endpoint_id", ep.ID), zap.String("cycle_id", payload.CycleID))
	if ep.Strategy != model.StrategyListing && ep.Strategy != model.StrategyCrawl {
		res.Reason = "strategy has no selectors"
		logger.Info("selector adaptation skipped", zap.String("strategy", string(ep.Strategy)))
		return res, nil
	}

	req := pageRequest(ep, ep.URL)
	// The item selector is the one suspected of drifting.
	req.WaitFor = ""
	resp, err := a.fetch.Fetch(ctx, req)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", ep.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return res, fmt.Errorf("parse %s: %w", ep.URL, err)
	}

	result, err := a.runner.Run(ctx, agent.Call{
		Agent: SelectorAdapterDefinition(),
		Input: adaptInput{
			EndpointURL:  ep.URL,
			Strategy:     string(ep.Strategy),
			DriftPercent: payload.DriftPercent,
			Current: selectorSet{
				ItemSelector:  ep.Options.ItemSelector,
				TitleSelector: ep.Options.TitleSelector,
				DateSelector:  ep.Options.DateSelector,
				NextSelector:  ep.Options.NextSelector,
			},
			HTMLSample: sample(doc, a.cfg.SampleRunes),
		},
	})
	if err != nil {
		return res, fmt.Errorf("selector adapter: %w", err)
	}
	res.RunID = result.RunID

	var out adaptOutput
	if err := result.Decode(&out); err != nil {
		return res, fmt.Errorf("decode selector proposal: %w", err)
	}
	out.ItemSelector = strings.TrimSpace(out.ItemSelector)
	res.Matches = countMatches(doc, out.ItemSelector)

	switch {
	case out.ItemSelector == "":
		res.Reason = "empty item selector"
	case out.Confidence < a.cfg.MinConfidence:
		res.Reason = fmt.Sprintf("confidence %.2f below %.2f", out.Confidence, a.cfg.MinConfidence)
	case res.Matches == 0:
		res.Reason = "item selector matches nothing on the live page"
	}
	if res.Reason != "" {
		logger.Warn("selector proposal rejected", zap.String("reason", res.Reason), zap.String("run_id", res.RunID))
		a.emit(model.OpSelectorsRejected, ep.ID, map[string]any{
			"cycle_id": payload.CycleID,
			"run_id":   res.RunID,
			"reason":   res.Reason,
		})
		return res, nil
	}

	ep.Options.ItemSelector = out.ItemSelector
	if s := strings.TrimSpace(out.TitleSelector); s != "" {
		ep.Options.TitleSelector = s
	}
	if s := strings.TrimSpace(out.DateSelector); s != "" {
		ep.Options.DateSelector = s
	}
	if s := strings.TrimSpace(out.NextSelector); s != "" {
		ep.Options.NextSelector = s
	}
	ep.Baseline = nil
	if err := a.endpoints.UpdateEndpoint(ctx, ep); err != nil {
		return res, fmt.Errorf("update endpoint %s: %w", ep.ID, err)
	}
	res.Applied = true
	logger.Info("selectors adapted",
		zap.String("item_selector", out.ItemSelector),
		zap.Int("matches", res.Matches),
		zap.Float64("confidence", out.Confidence))
	a.emit(model.OpSelectorsAdapted, ep.ID, map[string]any{
		"cycle_id":      payload.CycleID,
		"run_id":        res.RunID,
		"item_selector": out.ItemSelector,
		"matches":       res.Matches,
		"drift_percent": payload.DriftPercent,
	})
	return res, nil
}

func (a *Adapter) emit(op, id string, meta map[string]any) {
	a.audit.Emit(model.AuditEvent{Operation: op, EntityType: model.EntityEndpoint, EntityID: id, Metadata: meta})
}

// countMatches returns zero for empty or invalid selectors.
func countMatches(doc *goquery.Document, selector string) int {
	if selector == "" {
		return 0
	}
	return doc.Find(selector).Length()
}

// sample strips scripts and styles and clips the remaining markup.
func sample(doc *goquery.Document, maxRunes int) string {
	clone := goquery.CloneDocument(doc)
	clone.Find("script, style, noscript, svg").Remove()
	html, err := clone.Html()
	if err != nil {
		return ""
	}
	html = strings.TrimSpace(html)
	if utf8.RuneCountInString(html) <= maxRunes {
		return html
	}
	runes := []rune(html)
	return string(runes[:maxRunes])
}
