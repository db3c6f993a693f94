package agent

import (
	"time"

	"github.com/JakeFAU/regwatch/internal/model"
)

// Definition describes one agent type: its prompt, schemas and call budget.
type Definition struct {
	Type         model.AgentType
	SystemPrompt string
	// InputSchema and OutputSchema are JSON Schema documents. Empty disables validation.
	InputSchema  string
	OutputSchema string
	Temperature  float64
	MaxTokens    int
	// Timeout bounds one LLM round-trip. Zero uses the type default.
	Timeout time.Duration
	// MaxRetries counts attempts after the first. Negative uses the type default.
	MaxRetries int
}

type budget struct {
	timeout    time.Duration
	maxRetries int
}

// budgets holds per-type defaults: classification-style checks get seconds, heavy
// composition gets minutes.
var budgets = map[model.AgentType]budget{
	model.AgentContentClassifier:  {timeout: 30 * time.Second, maxRetries: 2},
	model.AgentReviewer:           {timeout: 2 * time.Minute, maxRetries: 2},
	model.AgentSelectorAdapter:    {timeout: 2 * time.Minute, maxRetries: 2},
	model.AgentExtractor:          {timeout: 3 * time.Minute, maxRetries: 3},
	model.AgentReferenceExtractor: {timeout: 3 * time.Minute, maxRetries: 3},
	model.AgentArbiter:            {timeout: 3 * time.Minute, maxRetries: 2},
	model.AgentComposer:           {timeout: 5 * time.Minute, maxRetries: 2},
}

var fallbackBudget = budget{timeout: time.Minute, maxRetries: 2}

// DefaultTimeout returns the per-call timeout for an agent type.
func DefaultTimeout(t model.AgentType) time.Duration {
	if b, ok := budgets[t]; ok {
		return b.timeout
	}
	return fallbackBudget.timeout
}

func (d Definition) withDefaults(overrides map[model.AgentType]time.Duration) Definition {
	b, ok := budgets[d.Type]
	if !ok {
		b = fallbackBudget
	}
	if d.Timeout <= 0 {
		if o, ok := overrides[d.Type]; ok && o > 0 {
			d.Timeout = o
		} else {
			d.Timeout = b.timeout
		}
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = b.maxRetries
	}
	return d
}
