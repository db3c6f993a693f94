package rules

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

const composerPrompt = `You draft regulatory rules from validated source quotes. Given a
concept, its value and the quotes supporting it, return {"title": ..., "applies_when": ...}
where applies_when is a CEL boolean expression over the variables domain (string),
jurisdiction (string), date (YYYY-MM-DD string) and facts (map). Use "true" when the
quotes state no condition.`

const composerInputSchema = `{
  "type": "object",
  "required": ["concept", "domain", "value", "sources"],
  "properties": {
    "concept": {"type": "string", "minLength": 1},
    "domain": {"type": "string"},
    "value_type": {"type": "string"},
    "value": {"type": "string", "minLength": 1},
    "sources": {"type": "array", "minItems": 1}
  }
}`

const composerOutputSchema = `{
  "type": "object",
  "required": ["title", "applies_when"],
  "properties": {
    "title": {"type": "string"},
    "applies_when": {"type": "string"}
  }
}`

// ComposerDefinition is the agent definition used to title rules and phrase predicates.
func ComposerDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentComposer,
		SystemPrompt: composerPrompt,
		InputSchema:  composerInputSchema,
		OutputSchema: composerOutputSchema,
		Temperature:  0.2,
		MaxRetries:   -1,
	}
}

type sourceQuote struct {
	PointerID    string  `json:"pointer_id"`
	Quote        string  `json:"quote"`
	Value        string  `json:"value"`
	Article      string  `json:"article,omitempty"`
	LawReference string  `json:"law_reference,omitempty"`
	Confidence   float64 `json:"confidence"`
}

func quotes(pointers []model.SourcePointer) []sourceQuote {
	out := make([]sourceQuote, 0, len(pointers))
	for _, p := range pointers {
		out = append(out, sourceQuote{
			PointerID:    p.ID,
			Quote:        p.ExactQuote,
			Value:        p.ExtractedValue,
			Article:      p.ArticleNumber,
			LawReference: p.LawReference,
			Confidence:   p.Confidence,
		})
	}
	return out
}

type composeInput struct {
	Concept   string        `json:"concept"`
	Domain    string        `json:"domain"`
	ValueType string        `json:"value_type"`
	Value     string        `json:"value"`
	Sources   []sourceQuote `json:"sources"`
}

type composeOutput struct {
	Title       string `json:"title"`
	AppliesWhen string `json:"applies_when"`
}

// Composer groups the pointers of one evidence row by concept and drafts rules.
type Composer struct {
	deps
}

// NewComposer builds a Composer. runner may be nil, in which case titles are left empty
// and predicates default to DefaultPredicate.
func NewComposer(repo Repository, runner AgentRunner, opts ...Option) *Composer {
	return &Composer{deps: newDeps(repo, runner, "composer", opts)}
}

// Draft is one composed rule and the conflict it opened, if any.
type Draft struct {
	Rule     model.RegulatoryRule
	Conflict *model.RuleConflict
}

type conceptGroup struct {
	slug      string
	domain    string
	valueType string
	pointers  []model.SourcePointer
}

// Compose drafts one DRAFT rule per concept found among the evidence row's pointers.
// Concepts whose winning value already matches the active rule or a rule pending
// review are skipped. A matching rule still in DRAFT was never reviewed, so it is
// returned again instead of drafting a duplicate.
func (c *Composer) Compose(ctx context.Context, evidenceID string) ([]Draft, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rules.Compose")
	defer span.End()

	pointers, err := c.repo.ListPointersByEvidence(ctx, evidenceID)
	if err != nil {
		return nil, eris.Wrapf(err, "load pointers of %s", evidenceID)
	}
	var drafts []Draft
	for _, g := range groupByConcept(pointers) {
		d, ok, err := c.composeGroup(ctx, evidenceID, g)
		if err != nil {
			return drafts, err
		}
		if ok {
			drafts = append(drafts, d)
		}
	}
	return drafts, nil
}

func groupByConcept(pointers []model.SourcePointer) []conceptGroup {
	bySlug := make(map[string]*conceptGroup)
	for _, p := range pointers {
		slug := ConceptSlug(p.Domain, p.ValueType)
		g, ok := bySlug[slug]
		if !ok {
			g = &conceptGroup{slug: slug, domain: p.Domain, valueType: p.ValueType}
			bySlug[slug] = g
		}
		g.pointers = append(g.pointers, p)
	}
	out := make([]conceptGroup, 0, len(bySlug))
	for _, g := range bySlug {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slug < out[j].slug })
	return out
}

// vote picks the value with the greatest summed confidence, ties broken by value.
func vote(pointers []model.SourcePointer) (value string, support, contra []model.SourcePointer) {
	weight := make(map[string]float64)
	for _, p := range pointers {
		weight[p.ExtractedValue] += Clamp(p.Confidence)
	}
	first := true
	for v, w := range weight {
		if first || w > weight[value] || (w == weight[value] && v < value) {
			value = v
			first = false
		}
	}
	for _, p := range pointers {
		if p.ExtractedValue == value {
			support = append(support, p)
		} else {
			contra = append(contra, p)
		}
	}
	return value, support, contra
}

func confidences(pointers []model.SourcePointer) []float64 {
	out := make([]float64, len(pointers))
	for i, p := range pointers {
		out[i] = p.Confidence
	}
	return out
}

func (c *Composer) composeGroup(ctx context.Context, evidenceID string, g conceptGroup) (Draft, bool, error) {
	logger := c.logger.With(zap.String("concept", g.slug), zap.String("evidence_id", evidenceID))
	value, support, contra := vote(g.pointers)

	active, err := c.repo.ActiveRule(ctx, g.slug)
	switch {
	case err == nil && active.Value == value:
		logger.Debug("concept unchanged, no draft")
		return Draft{}, false, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return Draft{}, false, eris.Wrapf(err, "load active rule for %s", g.slug)
	}

	open, err := c.openDrafts(ctx, g.slug)
	if err != nil {
		return Draft{}, false, err
	}
	var rival *model.RegulatoryRule
	for i := range open {
		if open[i].Value == value {
			if open[i].Status == model.RuleDraft {
				logger.Info("unreviewed draft found, returning it for review", zap.String("rule_id", open[i].ID))
				return Draft{Rule: open[i]}, true, nil
			}
			logger.Debug("matching rule already pending review", zap.String("rule_id", open[i].ID))
			return Draft{}, false, nil
		}
		if rival == nil {
			rival = &open[i]
		}
	}

	now := c.clock.Now().UTC()
	rule := model.RegulatoryRule{
		ConceptSlug:      g.slug,
		RiskTier:         c.tierFor(g.slug, g.valueType),
		AppliesWhen:      DefaultPredicate(g.domain),
		Value:            value,
		ValueType:        g.valueType,
		Confidence:       AggregateConfidence(confidences(support), confidences(contra)),
		Status:           model.RuleDraft,
		SourcePointerIDs: pointerIDs(support),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.describe(ctx, logger, &rule, g, support)

	if err := c.repo.InsertRule(ctx, &rule); err != nil {
		return Draft{}, false, eris.Wrapf(err, "insert draft for %s", g.slug)
	}
	telemetry.ObserveRuleTransition("", string(model.RuleDraft))
	c.emit(model.OpRuleDrafted, model.EntityRule, rule.ID, map[string]any{
		"concept":      g.slug,
		"evidence_id":  evidenceID,
		"value":        value,
		"confidence":   rule.Confidence,
		"risk_tier":    string(rule.RiskTier),
		"contradicted": len(contra),
	})
	logger.Info("rule drafted",
		zap.String("rule_id", rule.ID),
		zap.String("value", value),
		zap.Float64("confidence", rule.Confidence),
	)

	d := Draft{Rule: rule}
	if rival != nil {
		conflict := model.RuleConflict{
			ConceptSlug: g.slug,
			RuleAID:     rival.ID,
			RuleBID:     rule.ID,
			Status:      model.ConflictOpen,
			Reason:      "drafts disagree: " + rival.Value + " vs " + value,
			CreatedAt:   now,
		}
		if err := c.repo.InsertConflict(ctx, &conflict); err != nil {
			return d, true, eris.Wrapf(err, "open conflict for %s", g.slug)
		}
		c.emit(model.OpConflictOpened, model.EntityConflict, conflict.ID, map[string]any{
			"concept":   g.slug,
			"rule_a_id": conflict.RuleAID,
			"rule_b_id": conflict.RuleBID,
		})
		d.Conflict = &conflict
	}
	return d, true, nil
}

// describe asks the composer agent for a title and predicate. Failures keep the defaults.
func (c *Composer) describe(ctx context.Context, logger *zap.Logger, rule *model.RegulatoryRule, g conceptGroup, support []model.SourcePointer) {
	if c.runner == nil {
		return
	}
	res, err := c.runner.Run(ctx, agent.Call{
		Agent: ComposerDefinition(),
		Input: composeInput{
			Concept:   g.slug,
			Domain:    g.domain,
			ValueType: g.valueType,
			Value:     rule.Value,
			Sources:   quotes(support),
		},
	})
	if err != nil {
		logger.Warn("composer agent failed, keeping default predicate", zap.Error(err))
		return
	}
	var out composeOutput
	if err := res.Decode(&out); err != nil {
		logger.Warn("composer output undecodable", zap.Error(err))
		return
	}
	rule.Title = out.Title
	if out.AppliesWhen == "" {
		return
	}
	if _, err := CompilePredicate(out.AppliesWhen); err != nil {
		logger.Warn("composer predicate rejected", zap.String("applies_when", out.AppliesWhen), zap.Error(err))
		return
	}
	rule.AppliesWhen = out.AppliesWhen
}

func (c *Composer) openDrafts(ctx context.Context, slug string) ([]model.RegulatoryRule, error) {
	var out []model.RegulatoryRule
	for _, status := range []model.RuleStatus{model.RuleDraft, model.RulePendingReview} {
		rules, err := c.repo.ListRulesByStatus(ctx, status, 0)
		if err != nil {
			return nil, eris.Wrapf(err, "list %s rules", status)
		}
		for _, r := range rules {
			if r.ConceptSlug == slug {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func pointerIDs(pointers []model.SourcePointer) []string {
	out := make([]string, len(pointers))
	for i, p := range pointers {
		out[i] = p.ID
	}
	return out
}
