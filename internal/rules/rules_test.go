package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/agent"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/store/memory"
)

type scriptedAgents struct {
	mu      sync.Mutex
	outputs map[model.AgentType]string
	errs    map[model.AgentType]error
	calls   []agent.Call
}

func (s *scriptedAgents) Run(_ context.Context, call agent.Call) (agent.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if err := s.errs[call.Agent.Type]; err != nil {
		return agent.Result{}, err
	}
	out, ok := s.outputs[call.Agent.Type]
	if !ok {
		return agent.Result{}, errors.New("no scripted output")
	}
	return agent.Result{RunID: "run-" + string(call.Agent.Type), Output: json.RawMessage(out), Attempts: 1}, nil
}

func (s *scriptedAgents) count(t model.AgentType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Agent.Type == t {
			n++
		}
	}
	return n
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func vatPointer(evidenceID, value string, confidence float64) model.SourcePointer {
	return model.SourcePointer{
		EvidenceID:     evidenceID,
		Domain:         "vat",
		ValueType:      "vat_rate",
		ExtractedValue: value,
		ExactQuote:     "stopa PDV-a iznosi " + value + "%",
		ArticleNumber:  "38",
		Confidence:     confidence,
	}
}

func seed(t *testing.T, s *memory.Store, pointers ...model.SourcePointer) {
	t.Helper()
	require.NoError(t, s.InsertPointers(context.Background(), pointers))
}

func TestVATRateAtT3AutoApprovedAndReleased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-1", "25", 0.97))

	agents := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentComposer: `{"title": "Standard VAT rate", "applies_when": "domain == \"vat\" && jurisdiction == \"HR\""}`,
		model.AgentReviewer: `{"decision": "APPROVE", "confidence": 0.97, "notes": "quote matches"}`,
	}}
	tiers := WithTiers(map[string]model.RiskTier{"vat_rate": model.TierT3})
	clk := WithClock(clock.NewManual(epoch))

	drafts, err := NewComposer(store, agents, tiers, clk).Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	draft := drafts[0].Rule
	assert.Equal(t, "vat_rate", draft.ConceptSlug)
	assert.Equal(t, model.TierT3, draft.RiskTier)
	assert.Equal(t, model.RuleDraft, draft.Status)
	assert.Equal(t, "Standard VAT rate", draft.Title)
	assert.InDelta(t, 0.97, draft.Confidence, 1e-9)
	assert.Nil(t, drafts[0].Conflict)

	out, err := NewReviewer(store, agents, tiers, clk).Review(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)
	assert.Equal(t, model.RuleApproved, out.Rule.Status)
	assert.True(t, out.Rule.Active)
	assert.Equal(t, 1, out.Rule.Version)
	require.NotNil(t, out.Rule.ApprovedAt)

	active, err := store.ActiveRule(ctx, "vat_rate")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, active.ID)

	ok, err := Applies(active.AppliesWhen, Facts{Domain: "vat", Jurisdiction: "HR"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVATRateAtT0WaitsForHuman(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-1", "25", 0.99))

	agents := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentReviewer: `{"decision": "APPROVE", "confidence": 0.99}`,
	}}
	drafts, err := NewComposer(store, nil).Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, model.TierT0, drafts[0].Rule.RiskTier)
	assert.Equal(t, `domain == "vat"`, drafts[0].Rule.AppliesWhen)

	reviewer := NewReviewer(store, agents)
	out, err := reviewer.Review(ctx, drafts[0].Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, out.Decision)
	assert.Equal(t, model.RulePendingReview, out.Rule.Status)
	assert.False(t, out.Rule.Active)
	assert.Contains(t, out.Rule.ReviewerNotes, "APPROVE")
	assert.Contains(t, out.Rule.ReviewerNotes, "requires human review")

	backlog, err := reviewer.Backlog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	_, err = reviewer.Approve(ctx, out.Rule.ID, "", "")
	require.ErrorIs(t, err, ErrReviewerRequired)

	approved, err := reviewer.Approve(ctx, out.Rule.ID, "ana.horvat", "checked against NN 73/13")
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, approved.Status)
	assert.True(t, approved.Active)
	assert.Equal(t, "ana.horvat", approved.ReviewedBy)

	_, err = reviewer.Reject(ctx, out.Rule.ID, "ana.horvat", "")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, model.RuleApproved, terr.From)
}

func TestGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tier       model.RiskTier
		decision   Decision
		confidence float64
		want       model.RuleStatus
	}{
		{model.TierT3, DecisionApprove, 0.97, model.RuleApproved},
		{model.TierT2, DecisionApprove, 0.95, model.RuleApproved},
		{model.TierT2, DecisionApprove, 0.949, model.RulePendingReview},
		{model.TierT0, DecisionApprove, 1, model.RulePendingReview},
		{model.TierT1, DecisionApprove, 0.99, model.RulePendingReview},
		{model.TierT3, DecisionReject, 0.9, model.RuleRejected},
		{model.TierT0, DecisionReject, 0.9, model.RulePendingReview},
		{model.TierT3, DecisionEscalateHuman, 1, model.RulePendingReview},
		{model.TierT3, DecisionEscalateArbiter, 1, model.RulePendingReview},
		{"", DecisionApprove, 1, model.RulePendingReview},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Gate(tt.tier, tt.decision, tt.confidence), "%s %s %.3f", tt.tier, tt.decision, tt.confidence)
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	d, err := ParseDecision(" escalate_arbiter ")
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalateArbiter, d)
	_, err = ParseDecision("MAYBE")
	require.Error(t, err)
}

func TestReviewRejectsDraftWithMissingPointers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	rule := &model.RegulatoryRule{
		ConceptSlug:      "vat_rate",
		RiskTier:         model.TierT3,
		Value:            "25",
		Status:           model.RuleDraft,
		SourcePointerIDs: []string{"gone"},
		AppliesWhen:      "true",
	}
	require.NoError(t, store.InsertRule(ctx, rule))

	agents := &scriptedAgents{}
	out, err := NewReviewer(store, agents).Review(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, out.Decision)
	assert.Equal(t, model.RuleRejected, out.Rule.Status)
	assert.Zero(t, agents.count(model.AgentReviewer))

	_, err = NewReviewer(store, agents).Review(ctx, rule.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestReviewerAgentFailureEscalatesToHuman(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-1", "25", 0.9))
	tiers := WithTiers(map[string]model.RiskTier{"vat_rate": model.TierT3})

	drafts, err := NewComposer(store, nil, tiers).Compose(ctx, "ev-1")
	require.NoError(t, err)
	agents := &scriptedAgents{errs: map[model.AgentType]error{model.AgentReviewer: errors.New("timeout")}}
	out, err := NewReviewer(store, agents, tiers).Review(ctx, drafts[0].Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalateHuman, out.Decision)
	assert.Equal(t, model.RulePendingReview, out.Rule.Status)
}

func TestComposeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-1", "25", 0.9), vatPointer("ev-1", "25", 0.8))
	composer := NewComposer(store, nil)

	first, err := composer.Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Len(t, first[0].Rule.SourcePointerIDs, 2)

	// Still in DRAFT: handed back for review, never duplicated.
	second, err := composer.Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Rule.ID, second[0].Rule.ID)

	_, err = NewReviewer(store, nil).Review(ctx, first[0].Rule.ID)
	require.NoError(t, err)

	third, err := composer.Compose(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, third)

	drafts, err := store.ListRulesByStatus(ctx, model.RuleDraft, 0)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

type blippingRules struct {
	*memory.Store
	mu   sync.Mutex
	down bool
}

func (b *blippingRules) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *blippingRules) UpdateRule(ctx context.Context, rule model.RegulatoryRule) error {
	b.mu.Lock()
	down := b.down
	b.mu.Unlock()
	if down {
		return errors.New("db blip")
	}
	return b.Store.UpdateRule(ctx, rule)
}

func TestDraftLeftByFailedReviewIsReviewedOnRecompose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &blippingRules{Store: memory.New()}
	seed(t, store.Store, vatPointer("ev-1", "25", 0.9))
	composer := NewComposer(store, nil)
	reviewer := NewReviewer(store, nil)

	drafts, err := composer.Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)

	store.setDown(true)
	_, err = reviewer.Review(ctx, drafts[0].Rule.ID)
	require.Error(t, err)
	store.setDown(false)

	again, err := composer.Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, drafts[0].Rule.ID, again[0].Rule.ID)

	out, err := reviewer.Review(ctx, again[0].Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePendingReview, out.Rule.Status)

	stuck, err := store.ListRulesByStatus(ctx, model.RuleDraft, 0)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func TestComposeVotesAndPenalizesContradictions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store,
		vatPointer("ev-1", "25", 0.9),
		vatPointer("ev-1", "25", 0.9),
		vatPointer("ev-1", "13", 0.6),
	)
	drafts, err := NewComposer(store, nil).Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "25", drafts[0].Rule.Value)
	assert.Len(t, drafts[0].Rule.SourcePointerIDs, 2)
	assert.InDelta(t, 0.9*1.8/2.4, drafts[0].Rule.Confidence, 1e-9)
}

func TestComposerRejectsInvalidPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-1", "25", 0.9))
	agents := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentComposer: `{"title": "VAT", "applies_when": "jurisdiction ==="}`,
	}}
	drafts, err := NewComposer(store, agents).Compose(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "VAT", drafts[0].Rule.Title)
	assert.Equal(t, `domain == "vat"`, drafts[0].Rule.AppliesWhen)
}

func TestConflictResolvedByArbiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	tiers := WithTiers(map[string]model.RiskTier{"vat_rate": model.TierT3})
	seed(t, store, vatPointer("ev-old", "25", 0.9), vatPointer("ev-new", "13", 0.9))
	composer := NewComposer(store, nil, tiers)

	first, err := composer.Compose(ctx, "ev-old")
	require.NoError(t, err)
	second, err := composer.Compose(ctx, "ev-new")
	require.NoError(t, err)
	require.Len(t, second, 1)
	conflict := second[0].Conflict
	require.NotNil(t, conflict)
	assert.Equal(t, first[0].Rule.ID, conflict.RuleAID)
	assert.Equal(t, second[0].Rule.ID, conflict.RuleBID)

	agents := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentArbiter:  `{"winner": "B", "confidence": 0.9, "reason": "newer gazette"}`,
		model.AgentReviewer: `{"decision": "APPROVE", "confidence": 0.99}`,
	}}

	held, err := NewReviewer(store, agents, tiers).Review(ctx, second[0].Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionEscalateArbiter, held.Decision)
	assert.Equal(t, model.RulePendingReview, held.Rule.Status)

	arbiter := NewArbiter(store, agents, tiers)
	backlog, err := arbiter.Backlog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)

	n, err := arbiter.ResolveOpen(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resolved, err := store.ListConflicts(ctx, model.ConflictResolved, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, second[0].Rule.ID, resolved[0].WinningRuleID)

	loser, err := store.GetRule(ctx, first[0].Rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleRejected, loser.Status)
	assert.Contains(t, loser.ReviewerNotes, "arbiter preferred")

	backlog, err = arbiter.Backlog(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestArbiterEscalatesLowConfidenceAndKeepsT0Loser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	seed(t, store, vatPointer("ev-a", "25", 0.9), vatPointer("ev-b", "13", 0.9))
	composer := NewComposer(store, nil)
	_, err := composer.Compose(ctx, "ev-a")
	require.NoError(t, err)
	drafts, err := composer.Compose(ctx, "ev-b")
	require.NoError(t, err)
	c := *drafts[0].Conflict

	unsure := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentArbiter: `{"winner": "A", "confidence": 0.5, "reason": "unclear"}`,
	}}
	escalated, err := NewArbiter(store, unsure).Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, escalated.Status)
	assert.Empty(t, escalated.WinningRuleID)

	backlog, err := NewArbiter(store, nil).Backlog(ctx, 0)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, model.ConflictEscalated, backlog[0].Status)

	again, err := NewArbiter(store, unsure).Resolve(ctx, escalated)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictEscalated, again.Status)

	sure := &scriptedAgents{outputs: map[model.AgentType]string{
		model.AgentArbiter: `{"winner": "A", "confidence": 0.95}`,
	}}
	c.Status = model.ConflictOpen
	resolved, err := NewArbiter(store, sure).Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)

	loser, err := store.GetRule(ctx, c.RuleBID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleDraft, loser.Status)
	assert.Contains(t, loser.ReviewerNotes, "arbiter preferred")
}

func TestReleaserVersionsConcept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	clk := clock.NewManual(epoch)
	releaser := NewReleaser(store, WithClock(clk))

	v1 := &model.RegulatoryRule{ConceptSlug: "vat_rate", Value: "25", Status: model.RuleApproved}
	require.NoError(t, store.InsertRule(ctx, v1))
	r1, err := releaser.Release(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Version)

	again, err := releaser.Release(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version)

	clk.Advance(24 * time.Hour)
	v2 := &model.RegulatoryRule{ConceptSlug: "vat_rate", Value: "24", Status: model.RuleApproved}
	require.NoError(t, store.InsertRule(ctx, v2))
	r2, err := releaser.Release(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r2.Version)
	assert.Equal(t, v1.ID, r2.SupersedesID)

	old, err := store.GetRule(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, old.Status)
	assert.False(t, old.Active)

	draft := &model.RegulatoryRule{ConceptSlug: "vat_rate", Status: model.RuleDraft}
	require.NoError(t, store.InsertRule(ctx, draft))
	_, err = releaser.Release(ctx, draft.ID)
	require.ErrorIs(t, err, ErrNotApproved)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(model.RuleDraft, model.RulePendingReview))
	assert.True(t, CanTransition(model.RulePendingReview, model.RuleApproved))
	assert.True(t, CanTransition(model.RulePendingReview, model.RuleRejected))
	assert.False(t, CanTransition(model.RuleDraft, model.RuleApproved))
	assert.False(t, CanTransition(model.RuleApproved, model.RuleRejected))
	assert.False(t, CanTransition(model.RuleRejected, model.RulePendingReview))
}

func TestConceptSlugAndTier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "vat_rate", ConceptSlug("vat", "vat_rate"))
	assert.Equal(t, "income_tax_threshold", ConceptSlug("Income Tax", "threshold"))
	assert.Equal(t, "fiscal_deadline", ConceptSlug("fiscal", "deadline"))
	assert.Equal(t, "rate", ConceptSlug("", "rate"))

	assert.Equal(t, model.TierT0, DefaultTier("vat_rate"))
	assert.Equal(t, model.TierT1, DefaultTier("deadline"))
	assert.Equal(t, model.TierT1, DefaultTier("threshold"))
	assert.Equal(t, model.TierT2, DefaultTier("fine_amount"))
	assert.Equal(t, model.TierT2, DefaultTier("office_address"))
}

func TestApplies(t *testing.T) {
	t.Parallel()

	facts := Facts{
		Domain:       "vat",
		Jurisdiction: "HR",
		Date:         time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Attributes:   map[string]any{"turnover": 50000},
	}
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"true", true},
		{`domain == "vat"`, true},
		{`jurisdiction == "SI"`, false},
		{`date >= "2013-01-01" && date < "2025-01-01"`, true},
		{`facts.turnover > 40000`, true},
		{`"exempt" in facts`, false},
	}
	for _, tt := range tests {
		got, err := Applies(tt.expr, facts)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}

	_, err := Applies("domain ==", facts)
	require.Error(t, err)
	_, err = CompilePredicate("1 + 1")
	require.Error(t, err)
	_, err = CompilePredicate("unknown_var == 1")
	require.Error(t, err)
}
