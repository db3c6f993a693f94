package postgres

import (
	"context"

	"github.com/JakeFAU/regwatch/internal/model"
)

// InsertAgentRun stores the opening record of an invocation.
func (s *Store) InsertAgentRun(ctx context.Context, run *model.AgentRun) error {
	ensureID(&run.ID)
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_runs (id, agent_type, input, input_hash, output, raw_output, error, attempts,
			duration_ms, status, evidence_id, rule_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, string(run.AgentType), rawJSON(run.Input), run.InputHash, rawJSON(run.Output),
		nullable(run.RawOutput), nullable(run.Error), run.Attempts, run.DurationMs, string(run.Status),
		nullable(run.EvidenceID), nullable(run.RuleID), run.StartedAt, run.CompletedAt)
	return translate(err, "insert agent run")
}

// UpdateAgentRun records the outcome of an invocation. Input columns are immutable.
func (s *Store) UpdateAgentRun(ctx context.Context, run model.AgentRun) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agent_runs
		SET output = $2, raw_output = $3, error = $4, attempts = $5, duration_ms = $6,
		    status = $7, completed_at = $8
		WHERE id = $1`,
		run.ID, rawJSON(run.Output), nullable(run.RawOutput), nullable(run.Error), run.Attempts,
		run.DurationMs, string(run.Status), run.CompletedAt)
	return mustAffect(tag, err, "update agent run")
}

// GetAgentRun fetches a run by ID.
func (s *Store) GetAgentRun(ctx context.Context, id string) (model.AgentRun, error) {
	var (
		run                                   model.AgentRun
		agentType, status                     string
		input, output                         []byte
		rawOutput, runErr, evidenceID, ruleID *string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, agent_type, input, input_hash, output, raw_output, error, attempts, duration_ms,
		       status, evidence_id, rule_id, started_at, completed_at
		FROM agent_runs WHERE id = $1`, id).
		Scan(&run.ID, &agentType, &input, &run.InputHash, &output, &rawOutput, &runErr, &run.Attempts,
			&run.DurationMs, &status, &evidenceID, &ruleID, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return model.AgentRun{}, translate(err, "get agent run")
	}
	run.AgentType = model.AgentType(agentType)
	run.Status = model.AgentRunStatus(status)
	run.Input = input
	if len(output) > 0 && string(output) != "null" {
		run.Output = output
	}
	run.RawOutput = deref(rawOutput)
	run.Error = deref(runErr)
	run.EvidenceID = deref(evidenceID)
	run.RuleID = deref(ruleID)
	return run, nil
}
