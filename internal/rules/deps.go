// Package rules drafts, reviews, arbitrates and releases regulatory rules.
//
// A rule moves DRAFT -> PENDING_REVIEW -> APPROVED | REJECTED. APPROVED and REJECTED are
// terminal. Rules in tiers T0 and T1 stop at PENDING_REVIEW whatever the reviewer agent
// says; only a human action moves them on.
package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
)

// AgentRunner executes one agent call.
type AgentRunner interface {
	Run(ctx context.Context, call agent.Call) (agent.Result, error)
}

// Repository is the storage the rule pipeline needs.
type Repository interface {
	model.RuleRepository
	ListPointersByEvidence(ctx context.Context, evidenceID string) ([]model.SourcePointer, error)
	GetPointers(ctx context.Context, ids []string) ([]model.SourcePointer, error)
}

type deps struct {
	repo   Repository
	runner AgentRunner
	audit  model.Auditor
	clock  model.Clock
	logger *zap.Logger
	tiers  map[string]model.RiskTier
}

// Option customizes the rule components.
type Option func(*deps)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(d *deps) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option {
	return func(d *deps) {
		if a != nil {
			d.audit = a
		}
	}
}

// WithTiers assigns risk tiers by concept slug, overriding DefaultTier.
func WithTiers(tiers map[string]model.RiskTier) Option {
	return func(d *deps) { d.tiers = tiers }
}

func newDeps(repo Repository, runner AgentRunner, name string, opts []Option) deps {
	d := deps{
		repo:   repo,
		runner: runner,
		audit:  model.NopAuditor{},
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	d.logger = d.logger.Named(name)
	return d
}

func (d deps) tierFor(slug, valueType string) model.RiskTier {
	if t, ok := d.tiers[slug]; ok {
		return t
	}
	return DefaultTier(valueType)
}

func (d deps) emit(op, entity, id string, meta map[string]any) {
	d.audit.Emit(model.AuditEvent{
		Operation:  op,
		EntityType: entity,
		EntityID:   id,
		Metadata:   meta,
		TS:         d.clock.Now().UTC(),
	})
}
