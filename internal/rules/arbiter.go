package rules

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

// ArbiterMinConfidence is the confidence below which the arbiter escalates instead of
// picking a winner.
const ArbiterMinConfidence = 0.8

const arbiterPrompt = `Two drafted rules disagree on the same regulatory concept. Compare
the quotes behind each candidate and pick the one the sources support, preferring the
more recent and more authoritative source. Return {"winner": "A" | "B" | "ESCALATE",
"confidence": 0..1, "reason": ...}.`

const arbiterInputSchema = `{
  "type": "object",
  "required": ["concept", "candidates"],
  "properties": {
    "concept": {"type": "string", "minLength": 1},
    "candidates": {"type": "array", "minItems": 2, "maxItems": 2}
  }
}`

const arbiterOutputSchema = `{
  "type": "object",
  "required": ["winner", "confidence"],
  "properties": {
    "winner": {"enum": ["A", "B", "ESCALATE"]},
    "confidence": {"type": "number"},
    "reason": {"type": "string"}
  }
}`

// ArbiterDefinition is the agent definition used to settle conflicts.
func ArbiterDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentArbiter,
		SystemPrompt: arbiterPrompt,
		InputSchema:  arbiterInputSchema,
		OutputSchema: arbiterOutputSchema,
		MaxRetries:   -1,
	}
}

type candidate struct {
	Label      string        `json:"label"`
	RuleID     string        `json:"rule_id"`
	Value      string        `json:"value"`
	Confidence float64       `json:"confidence"`
	RiskTier   string        `json:"risk_tier"`
	Status     string        `json:"status"`
	Sources    []sourceQuote `json:"sources"`
}

type arbiterInput struct {
	Concept    string      `json:"concept"`
	Candidates []candidate `json:"candidates"`
}

type arbiterOutput struct {
	Winner     string  `json:"winner"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Arbiter settles conflicts between drafts of the same concept.
type Arbiter struct {
	deps
}

// NewArbiter builds an Arbiter. With a nil runner every conflict is escalated.
func NewArbiter(repo Repository, runner AgentRunner, opts ...Option) *Arbiter {
	return &Arbiter{deps: newDeps(repo, runner, "arbiter", opts)}
}

// Backlog returns conflicts still waiting on a decision: OPEN ones first, then those
// escalated to a human.
func (a *Arbiter) Backlog(ctx context.Context, limit int) ([]model.RuleConflict, error) {
	var out []model.RuleConflict
	for _, status := range []model.ConflictStatus{model.ConflictOpen, model.ConflictEscalated} {
		cs, err := a.repo.ListConflicts(ctx, status, limit)
		if err != nil {
			return nil, eris.Wrapf(err, "list %s conflicts", status)
		}
		out = append(out, cs...)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveOpen arbitrates up to limit OPEN conflicts. A failing conflict is logged and
// left OPEN; the batch continues.
func (a *Arbiter) ResolveOpen(ctx context.Context, limit int) (int, error) {
	open, err := a.repo.ListConflicts(ctx, model.ConflictOpen, limit)
	if err != nil {
		return 0, eris.Wrap(err, "list open conflicts")
	}
	settled := 0
	for _, c := range open {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if _, err := a.Resolve(ctx, c); err != nil {
			a.logger.Warn("conflict arbitration failed", zap.String("conflict_id", c.ID), zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

// Resolve arbitrates one OPEN conflict. The winner is recorded on the conflict; a losing
// rule in tier T2 or T3 that is still under review is rejected, while a losing T0 or T1
// rule only receives a note and stays with the human reviewer.
func (a *Arbiter) Resolve(ctx context.Context, c model.RuleConflict) (model.RuleConflict, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rules.Arbitrate")
	defer span.End()

	if c.Status != model.ConflictOpen {
		return c, nil
	}
	ruleA, err := a.repo.GetRule(ctx, c.RuleAID)
	if err != nil {
		return c, eris.Wrapf(err, "load rule %s", c.RuleAID)
	}
	ruleB, err := a.repo.GetRule(ctx, c.RuleBID)
	if err != nil {
		return c, eris.Wrapf(err, "load rule %s", c.RuleBID)
	}

	winner, confidence, reason := a.judge(ctx, c, ruleA, ruleB)
	now := a.clock.Now().UTC()
	c.ResolvedAt = &now
	c.Reason = appendNote(c.Reason, reason)

	var loser *model.RegulatoryRule
	switch winner {
	case "A":
		c.Status, c.WinningRuleID, loser = model.ConflictResolved, ruleA.ID, &ruleB
	case "B":
		c.Status, c.WinningRuleID, loser = model.ConflictResolved, ruleB.ID, &ruleA
	default:
		c.Status = model.ConflictEscalated
	}
	if err := a.repo.UpdateConflict(ctx, c); err != nil {
		return c, eris.Wrapf(err, "update conflict %s", c.ID)
	}

	if c.Status == model.ConflictEscalated {
		a.emit(model.OpConflictEscalated, model.EntityConflict, c.ID, map[string]any{"concept": c.ConceptSlug, "reason": reason})
		a.logger.Info("conflict escalated", zap.String("conflict_id", c.ID), zap.String("concept", c.ConceptSlug))
		return c, nil
	}

	a.emit(model.OpConflictResolved, model.EntityConflict, c.ID, map[string]any{
		"concept":         c.ConceptSlug,
		"winning_rule_id": c.WinningRuleID,
		"confidence":      confidence,
	})
	note := fmt.Sprintf("arbiter preferred rule %s (confidence %.2f)", c.WinningRuleID, confidence)
	if err := a.demote(ctx, loser, note); err != nil {
		return c, err
	}
	a.logger.Info("conflict resolved",
		zap.String("conflict_id", c.ID),
		zap.String("winning_rule_id", c.WinningRuleID),
	)
	return c, nil
}

// judge returns "A", "B" or "ESCALATE" with a confidence and reason.
func (a *Arbiter) judge(ctx context.Context, c model.RuleConflict, ruleA, ruleB model.RegulatoryRule) (string, float64, string) {
	if a.runner == nil {
		return "ESCALATE", 0, "no arbiter agent configured"
	}
	candA, err := a.candidate(ctx, "A", ruleA)
	if err != nil {
		return "ESCALATE", 0, err.Error()
	}
	candB, err := a.candidate(ctx, "B", ruleB)
	if err != nil {
		return "ESCALATE", 0, err.Error()
	}
	res, err := a.runner.Run(ctx, agent.Call{
		Agent:  ArbiterDefinition(),
		Input:  arbiterInput{Concept: c.ConceptSlug, Candidates: []candidate{candA, candB}},
		RuleID: ruleB.ID,
	})
	if err != nil {
		a.logger.Warn("arbiter agent failed, escalating", zap.String("conflict_id", c.ID), zap.Error(err))
		return "ESCALATE", 0, "arbiter agent failed"
	}
	var out arbiterOutput
	if err := res.Decode(&out); err != nil {
		return "ESCALATE", 0, "arbiter output undecodable"
	}
	confidence := Clamp(out.Confidence)
	if out.Winner != "A" && out.Winner != "B" {
		return "ESCALATE", confidence, out.Reason
	}
	if confidence < ArbiterMinConfidence {
		return "ESCALATE", confidence, fmt.Sprintf("arbiter confidence %.2f below %.2f: %s", confidence, ArbiterMinConfidence, out.Reason)
	}
	return out.Winner, confidence, out.Reason
}

func (a *Arbiter) candidate(ctx context.Context, label string, rule model.RegulatoryRule) (candidate, error) {
	pointers, err := a.repo.GetPointers(ctx, rule.SourcePointerIDs)
	if err != nil {
		return candidate{}, eris.Wrapf(err, "load pointers of rule %s", rule.ID)
	}
	return candidate{
		Label:      label,
		RuleID:     rule.ID,
		Value:      rule.Value,
		Confidence: rule.Confidence,
		RiskTier:   string(rule.RiskTier),
		Status:     string(rule.Status),
		Sources:    quotes(pointers),
	}, nil
}

func (a *Arbiter) demote(ctx context.Context, rule *model.RegulatoryRule, note string) error {
	switch {
	case rule.Status == model.RuleApproved || rule.Status == model.RuleRejected:
		return nil
	case rule.RiskTier.RequiresHumanReview():
		return a.annotate(ctx, rule, note)
	case rule.Status == model.RuleDraft:
		if err := a.transition(ctx, rule, model.RulePendingReview, string(model.AgentArbiter), note); err != nil {
			return err
		}
		return a.transition(ctx, rule, model.RuleRejected, string(model.AgentArbiter), "")
	default:
		return a.transition(ctx, rule, model.RuleRejected, string(model.AgentArbiter), note)
	}
}
