package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

var transitions = map[model.RuleStatus][]model.RuleStatus{
	model.RuleDraft:         {model.RulePendingReview},
	model.RulePendingReview: {model.RuleApproved, model.RuleRejected},
}

// CanTransition reports whether a rule may move from one status to another.
func CanTransition(from, to model.RuleStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned for a status change the state machine forbids.
type TransitionError struct {
	RuleID string
	From   model.RuleStatus
	To     model.RuleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("rule %s cannot move from %s to %s", e.RuleID, e.From, e.To)
}

// transition persists a status change and records it. note is appended to the reviewer notes.
func (d deps) transition(ctx context.Context, rule *model.RegulatoryRule, to model.RuleStatus, actor, note string) error {
	from := rule.Status
	if !CanTransition(from, to) {
		return &TransitionError{RuleID: rule.ID, From: from, To: to}
	}
	now := d.clock.Now().UTC()
	next := *rule
	next.Status = to
	next.UpdatedAt = now
	if actor != "" {
		next.ReviewedBy = actor
	}
	if note != "" {
		next.ReviewerNotes = appendNote(next.ReviewerNotes, note)
	}
	if to == model.RuleApproved {
		next.ApprovedAt = &now
	}
	if err := d.repo.UpdateRule(ctx, next); err != nil {
		return eris.Wrapf(err, "move rule %s to %s", rule.ID, to)
	}
	*rule = next
	telemetry.ObserveRuleTransition(string(from), string(to))
	d.emit(model.OpRuleTransition, model.EntityRule, rule.ID, map[string]any{
		"from":    string(from),
		"to":      string(to),
		"actor":   actor,
		"concept": rule.ConceptSlug,
	})
	return nil
}

// annotate appends a note without changing status.
func (d deps) annotate(ctx context.Context, rule *model.RegulatoryRule, note string) error {
	rule.ReviewerNotes = appendNote(rule.ReviewerNotes, note)
	rule.UpdatedAt = d.clock.Now().UTC()
	if err := d.repo.UpdateRule(ctx, *rule); err != nil {
		return eris.Wrapf(err, "annotate rule %s", rule.ID)
	}
	return nil
}

func appendNote(existing, note string) string {
	if strings.TrimSpace(existing) == "" {
		return note
	}
	return existing + "\n" + note
}
