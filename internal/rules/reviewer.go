package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

const reviewerPrompt = `You review a drafted regulatory rule against the quotes it was
built from. Decide APPROVE when the quotes state exactly this value for this concept,
REJECT when they do not, ESCALATE_ARBITER when sources disagree and ESCALATE_HUMAN when
you are unsure. Return {"decision": ..., "confidence": 0..1, "notes": ...}.`

const reviewerInputSchema = `{
  "type": "object",
  "required": ["concept", "value", "risk_tier", "sources"],
  "properties": {
    "concept": {"type": "string", "minLength": 1},
    "value": {"type": "string", "minLength": 1},
    "value_type": {"type": "string"},
    "risk_tier": {"enum": ["T0", "T1", "T2", "T3"]},
    "applies_when": {"type": "string"},
    "sources": {"type": "array", "minItems": 1}
  }
}`

const reviewerOutputSchema = `{
  "type": "object",
  "required": ["decision", "confidence"],
  "properties": {
    "decision": {"enum": ["APPROVE", "REJECT", "ESCALATE_HUMAN", "ESCALATE_ARBITER"]},
    "confidence": {"type": "number"},
    "notes": {"type": "string"}
  }
}`

// ReviewerDefinition is the agent definition used to review drafts.
func ReviewerDefinition() agent.Definition {
	return agent.Definition{
		Type:         model.AgentReviewer,
		SystemPrompt: reviewerPrompt,
		InputSchema:  reviewerInputSchema,
		OutputSchema: reviewerOutputSchema,
		MaxRetries:   -1,
	}
}

type reviewInput struct {
	Concept     string        `json:"concept"`
	Value       string        `json:"value"`
	ValueType   string        `json:"value_type"`
	RiskTier    string        `json:"risk_tier"`
	AppliesWhen string        `json:"applies_when"`
	Sources     []sourceQuote `json:"sources"`
}

type reviewOutput struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes"`
}

// Outcome is the result of reviewing one draft.
type Outcome struct {
	Rule       model.RegulatoryRule
	Decision   Decision
	Confidence float64
	Notes      string
	Conflict   *model.RuleConflict
}

// Reviewer re-validates drafts and applies the risk-tier gate.
type Reviewer struct {
	deps
	releaser *Releaser
}

// NewReviewer builds a Reviewer. With a nil runner every draft that passes the
// deterministic checks is escalated to a human.
func NewReviewer(repo Repository, runner AgentRunner, opts ...Option) *Reviewer {
	d := newDeps(repo, runner, "reviewer", opts)
	return &Reviewer{deps: d, releaser: &Releaser{deps: d}}
}

// Review decides a DRAFT rule. The rule always passes through PENDING_REVIEW; it moves on
// to APPROVED or REJECTED only when Gate allows, and approved rules are released.
func (r *Reviewer) Review(ctx context.Context, ruleID string) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rules.Review")
	defer span.End()

	rule, err := r.repo.GetRule(ctx, ruleID)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "load rule %s", ruleID)
	}
	if rule.Status != model.RuleDraft {
		return Outcome{Rule: rule}, &TransitionError{RuleID: rule.ID, From: rule.Status, To: model.RulePendingReview}
	}
	logger := r.logger.With(zap.String("rule_id", rule.ID), zap.String("concept", rule.ConceptSlug))

	out, err := r.decide(ctx, logger, rule)
	if err != nil {
		return Outcome{Rule: rule}, err
	}
	out.Confidence = Clamp(out.Confidence)

	if out.Decision == DecisionApprove {
		conflicted, err := r.hasOpenConflict(ctx, rule.ID)
		if err != nil {
			return Outcome{Rule: rule}, err
		}
		if conflicted {
			out.Decision = DecisionEscalateArbiter
			out.Notes = appendNote(out.Notes, "approval held: open conflict on this concept")
		}
	}

	rule.Confidence = out.Confidence
	target := Gate(rule.RiskTier, out.Decision, out.Confidence)
	note := fmt.Sprintf("reviewer: %s (confidence %.2f)", out.Decision, out.Confidence)
	if out.Notes != "" {
		note += ": " + out.Notes
	}
	if target == model.RulePendingReview && rule.RiskTier.RequiresHumanReview() {
		note += fmt.Sprintf("; tier %s requires human review", rule.RiskTier)
	}
	if err := r.transition(ctx, &rule, model.RulePendingReview, string(model.AgentReviewer), note); err != nil {
		return Outcome{Rule: rule}, err
	}

	if out.Decision == DecisionEscalateArbiter {
		conflict, err := r.conflictWithActive(ctx, rule)
		if err != nil {
			return Outcome{Rule: rule}, err
		}
		out.Conflict = conflict
	}

	if target != model.RulePendingReview {
		if err := r.transition(ctx, &rule, target, string(model.AgentReviewer), ""); err != nil {
			return Outcome{Rule: rule}, err
		}
	}
	if rule.Status == model.RuleApproved {
		released, err := r.releaser.Release(ctx, rule.ID)
		if err != nil {
			return Outcome{Rule: rule}, err
		}
		rule = released
	}

	logger.Info("rule reviewed",
		zap.String("decision", string(out.Decision)),
		zap.Float64("confidence", out.Confidence),
		zap.String("status", string(rule.Status)),
	)
	out.Rule = rule
	return out, nil
}

// decide runs the deterministic checks and then the reviewer agent.
func (r *Reviewer) decide(ctx context.Context, logger *zap.Logger, rule model.RegulatoryRule) (Outcome, error) {
	pointers, err := r.repo.GetPointers(ctx, rule.SourcePointerIDs)
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "load pointers of rule %s", rule.ID)
	}
	if len(rule.SourcePointerIDs) == 0 || len(pointers) != len(rule.SourcePointerIDs) {
		return Outcome{Decision: DecisionReject, Notes: "source pointers missing"}, nil
	}
	for _, p := range pointers {
		if p.ExtractedValue != rule.Value {
			return Outcome{Decision: DecisionReject, Notes: "pointer " + p.ID + " states " + p.ExtractedValue}, nil
		}
	}
	if _, err := CompilePredicate(rule.AppliesWhen); err != nil {
		return Outcome{Decision: DecisionReject, Notes: "invalid applies_when: " + err.Error()}, nil
	}

	if r.runner == nil {
		return Outcome{Decision: DecisionEscalateHuman, Confidence: rule.Confidence, Notes: "no reviewer agent configured"}, nil
	}
	res, err := r.runner.Run(ctx, agent.Call{
		Agent: ReviewerDefinition(),
		Input: reviewInput{
			Concept:     rule.ConceptSlug,
			Value:       rule.Value,
			ValueType:   rule.ValueType,
			RiskTier:    string(rule.RiskTier),
			AppliesWhen: rule.AppliesWhen,
			Sources:     quotes(pointers),
		},
		RuleID: rule.ID,
	})
	if err != nil {
		logger.Warn("reviewer agent failed, escalating to human", zap.Error(err))
		return Outcome{Decision: DecisionEscalateHuman, Confidence: rule.Confidence, Notes: "reviewer agent failed"}, nil
	}
	var out reviewOutput
	if err := res.Decode(&out); err != nil {
		return Outcome{}, err
	}
	d, err := ParseDecision(out.Decision)
	if err != nil {
		return Outcome{Decision: DecisionEscalateHuman, Confidence: rule.Confidence, Notes: err.Error()}, nil
	}
	return Outcome{Decision: d, Confidence: out.Confidence, Notes: out.Notes}, nil
}

func (r *Reviewer) hasOpenConflict(ctx context.Context, ruleID string) (bool, error) {
	conflicts, err := r.repo.ListConflicts(ctx, model.ConflictOpen, 0)
	if err != nil {
		return false, eris.Wrap(err, "list open conflicts")
	}
	for _, c := range conflicts {
		if c.RuleAID == ruleID || c.RuleBID == ruleID {
			return true, nil
		}
	}
	return false, nil
}

// conflictWithActive opens a conflict between rule and the concept's active version
// when their values differ.
func (r *Reviewer) conflictWithActive(ctx context.Context, rule model.RegulatoryRule) (*model.RuleConflict, error) {
	active, err := r.repo.ActiveRule(ctx, rule.ConceptSlug)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "load active rule for %s", rule.ConceptSlug)
	}
	if active.ID == rule.ID || active.Value == rule.Value {
		return nil, nil
	}
	c := model.RuleConflict{
		ConceptSlug: rule.ConceptSlug,
		RuleAID:     active.ID,
		RuleBID:     rule.ID,
		Status:      model.ConflictOpen,
		Reason:      "reviewer escalated: active value " + active.Value + " vs " + rule.Value,
		CreatedAt:   r.clock.Now().UTC(),
	}
	if err := r.repo.InsertConflict(ctx, &c); err != nil {
		return nil, eris.Wrapf(err, "open conflict for %s", rule.ConceptSlug)
	}
	r.emit(model.OpConflictOpened, model.EntityConflict, c.ID, map[string]any{
		"concept":   c.ConceptSlug,
		"rule_a_id": c.RuleAID,
		"rule_b_id": c.RuleBID,
	})
	return &c, nil
}

// ErrReviewerRequired is returned when a human action carries no reviewer identity.
var ErrReviewerRequired = errors.New("reviewer identity is required")

// Approve is the human approval of a PENDING_REVIEW rule. The rule is released.
func (r *Reviewer) Approve(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error) {
	rule, err := r.human(ctx, ruleID, reviewer, model.RuleApproved, notes)
	if err != nil {
		return rule, err
	}
	return r.releaser.Release(ctx, rule.ID)
}

// Reject is the human rejection of a PENDING_REVIEW rule.
func (r *Reviewer) Reject(ctx context.Context, ruleID, reviewer, notes string) (model.RegulatoryRule, error) {
	return r.human(ctx, ruleID, reviewer, model.RuleRejected, notes)
}

func (r *Reviewer) human(ctx context.Context, ruleID, reviewer string, to model.RuleStatus, notes string) (model.RegulatoryRule, error) {
	if reviewer == "" {
		return model.RegulatoryRule{}, ErrReviewerRequired
	}
	rule, err := r.repo.GetRule(ctx, ruleID)
	if err != nil {
		return model.RegulatoryRule{}, eris.Wrapf(err, "load rule %s", ruleID)
	}
	note := "human " + reviewer + ": " + string(to)
	if notes != "" {
		note += ": " + notes
	}
	if err := r.transition(ctx, &rule, to, reviewer, note); err != nil {
		return rule, err
	}
	return rule, nil
}

// Backlog lists rules waiting on a human, oldest first.
func (r *Reviewer) Backlog(ctx context.Context, limit int) ([]model.RegulatoryRule, error) {
	rules, err := r.repo.ListRulesByStatus(ctx, model.RulePendingReview, limit)
	if err != nil {
		return nil, eris.Wrap(err, "list pending rules")
	}
	return rules, nil
}
