package rules

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/regwatch/internal/model"
)

// AutoApproveThreshold is the minimum reviewer confidence for automatic approval.
const AutoApproveThreshold = 0.95

// Decision is a reviewer verdict on a draft rule.
type Decision string

// Reviewer decisions.
const (
	DecisionApprove         Decision = "APPROVE"
	DecisionReject          Decision = "REJECT"
	DecisionEscalateHuman   Decision = "ESCALATE_HUMAN"
	DecisionEscalateArbiter Decision = "ESCALATE_ARBITER"
)

// ParseDecision validates a raw decision label.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToUpper(strings.TrimSpace(raw))); d {
	case DecisionApprove, DecisionReject, DecisionEscalateHuman, DecisionEscalateArbiter:
		return d, nil
	default:
		return "", fmt.Errorf("unknown review decision %q", raw)
	}
}

// Gate maps a reviewer decision to the status a rule may reach without a human.
// Only tiers T2 and T3 are ever auto-applied, and an approval additionally needs
// confidence of at least AutoApproveThreshold. Everything else waits in PENDING_REVIEW.
func Gate(tier model.RiskTier, d Decision, confidence float64) model.RuleStatus {
	if tier != model.TierT2 && tier != model.TierT3 {
		return model.RulePendingReview
	}
	switch d {
	case DecisionApprove:
		if confidence >= AutoApproveThreshold {
			return model.RuleApproved
		}
	case DecisionReject:
		return model.RuleRejected
	}
	return model.RulePendingReview
}
