package rules

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/model"
)

// ErrNotApproved is returned when releasing a rule that is not APPROVED.
var ErrNotApproved = errors.New("only approved rules can be released")

// Releaser publishes approved rules as the active version of their concept.
type Releaser struct {
	deps
}

// NewReleaser builds a Releaser.
func NewReleaser(repo Repository, opts ...Option) *Releaser {
	return &Releaser{deps: newDeps(repo, nil, "releaser", opts)}
}

// Release activates an APPROVED rule, superseding the concept's prior active version.
// Releasing the active rule again returns it unchanged.
func (r *Releaser) Release(ctx context.Context, ruleID string) (model.RegulatoryRule, error) {
	rule, err := r.repo.GetRule(ctx, ruleID)
	if err != nil {
		return model.RegulatoryRule{}, eris.Wrapf(err, "load rule %s", ruleID)
	}
	if rule.Status != model.RuleApproved {
		return rule, eris.Wrapf(ErrNotApproved, "rule %s is %s", rule.ID, rule.Status)
	}
	if rule.Active {
		return rule, nil
	}
	released, err := r.repo.ReleaseRule(ctx, rule.ID, r.clock.Now().UTC())
	if err != nil {
		return rule, eris.Wrapf(err, "release rule %s", rule.ID)
	}
	r.emit(model.OpRuleReleased, model.EntityRule, released.ID, map[string]any{
		"concept":       released.ConceptSlug,
		"version":       released.Version,
		"supersedes_id": released.SupersedesID,
	})
	r.logger.Info("rule released",
		zap.String("rule_id", released.ID),
		zap.String("concept", released.ConceptSlug),
		zap.Int("version", released.Version),
	)
	return released, nil
}
