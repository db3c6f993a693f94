// Package agent runs a single schema-checked LLM round-trip and records every attempt
// as an AgentRun.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/idgen"
	"github.com/JakeFAU/regwatch/internal/llm"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/telemetry"
)

const jsonContract = "Respond with a single JSON object and nothing else. Do not wrap it in markdown."

// OutputError marks a response that could not be parsed or failed the output schema.
// It is retried.
type OutputError struct {
	Raw string
	Err error
}

func (e *OutputError) Error() string { return fmt.Sprintf("invalid agent output: %v", e.Err) }

func (e *OutputError) Unwrap() error { return e.Err }

// RunError is returned once an agent run has been marked failed.
type RunError struct {
	RunID string
	Agent model.AgentType
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent %s run %s failed: %v", e.Agent, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Call is one invocation of an agent.
type Call struct {
	Agent      Definition
	Input      any
	EvidenceID string
	RuleID     string
}

// Result is the validated output of a completed run.
type Result struct {
	RunID    string
	Output   json.RawMessage
	Attempts int
	Duration time.Duration
}

// Decode unmarshals the output into v.
func (r Result) Decode(v any) error {
	if err := json.Unmarshal(r.Output, v); err != nil {
		return eris.Wrapf(err, "decode output of run %s", r.RunID)
	}
	return nil
}

// Runner is the Agent Runner.
type Runner struct {
	llm      llm.Client
	runs     model.AgentRunRepository
	audit    model.Auditor
	clock    model.Clock
	logger   *zap.Logger
	schemas  *schemaCache
	policy   resilience.Policy
	timeouts map[model.AgentType]time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock overrides the clock.
func WithClock(c model.Clock) Option { return func(r *Runner) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a model.Auditor) Option {
	return func(r *Runner) {
		if a != nil {
			r.audit = a
		}
	}
}

// WithBackoff overrides the base retry delays.
func WithBackoff(initial, rateLimit time.Duration) Option {
	return func(r *Runner) {
		r.policy.InitialBackoff = initial
		r.policy.RateLimitBackoff = rateLimit
	}
}

// WithTimeouts overrides per-type timeouts for definitions that leave Timeout unset.
func WithTimeouts(t map[model.AgentType]time.Duration) Option {
	return func(r *Runner) { r.timeouts = t }
}

// NewRunner builds a Runner.
func NewRunner(client llm.Client, runs model.AgentRunRepository, opts ...Option) *Runner {
	r := &Runner{
		llm:     client,
		runs:    runs,
		audit:   model.NopAuditor{},
		clock:   clock.New(),
		logger:  zap.NewNop(),
		schemas: newSchemaCache(),
		policy: resilience.Policy{
			InitialBackoff:   2 * time.Second,
			MaxBackoff:       time.Minute,
			RateLimitBackoff: 30 * time.Second,
			JitterFraction:   0.2,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run validates the input, calls the backend and validates the output, retrying parse
// and schema failures. Input schema failures are recorded and returned at once as a
// *resilience.ValidationError. Every other failure is a *RunError.
func (r *Runner) Run(ctx context.Context, call Call) (Result, error) {
	def := call.Agent.withDefaults(r.timeouts)
	logger := r.logger.With(zap.String("agent", string(def.Type)))

	ctx, span := telemetry.Tracer().Start(ctx, "agent.Run")
	defer span.End()
	span.SetAttributes(attribute.String("agent.type", string(def.Type)))

	input, err := canonicalInput(call.Input)
	if err != nil {
		return Result{}, &resilience.ValidationError{Subject: string(def.Type) + " input", Err: err}
	}
	started := r.clock.Now().UTC()
	run := model.AgentRun{
		AgentType:  def.Type,
		Input:      input,
		InputHash:  idgen.ContentHash(input),
		Status:     model.AgentRunRunning,
		EvidenceID: call.EvidenceID,
		RuleID:     call.RuleID,
		StartedAt:  started,
	}

	if err := r.schemas.validate(def.InputSchema, input); err != nil {
		verr := &resilience.ValidationError{Subject: string(def.Type) + " input", Err: err}
		run.Status = model.AgentRunFailed
		run.Error = verr.Error()
		run.CompletedAt = &started
		if insErr := r.runs.InsertAgentRun(ctx, &run); insErr != nil {
			logger.Error("failed to record rejected agent input", zap.Error(insErr))
		}
		r.emit(model.OpAgentInputRejected, run.ID, map[string]any{"agent": string(def.Type), "error": err.Error()})
		telemetry.ObserveAgentRun(string(def.Type), "input_rejected", 0)
		span.SetStatus(codes.Error, "input rejected")
		return Result{}, verr
	}

	if err := r.runs.InsertAgentRun(ctx, &run); err != nil {
		return Result{}, eris.Wrapf(err, "record %s run", def.Type)
	}
	span.SetAttributes(attribute.String("agent.run_id", run.ID))
	logger = logger.With(zap.String("run_id", run.ID))

	req := llm.Request{
		SystemPrompt: def.SystemPrompt + "\n\n" + jsonContract,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: string(input)}},
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
		JSONMode:     true,
	}

	policy := r.policy
	policy.Op = "agent " + string(def.Type)
	policy.Timeout = def.Timeout
	policy.MaxAttempts = def.MaxRetries + 1
	policy.ShouldRetry = shouldRetry
	policy.OnRetry = resilience.RetryLogger(logger)

	attempts := 0
	output, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		resp, err := r.llm.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := r.parseOutput(def, resp.Content)
		if err != nil {
			run.RawOutput = resp.Content
			run.Attempts = attempts
			if upErr := r.runs.UpdateAgentRun(ctx, run); upErr != nil {
				logger.Warn("failed to persist raw agent output", zap.Error(upErr))
			}
			return nil, err
		}
		return out, nil
	})

	finished := r.clock.Now().UTC()
	duration := finished.Sub(started)
	run.Attempts = attempts
	run.DurationMs = duration.Milliseconds()
	run.CompletedAt = &finished

	if err != nil {
		run.Status = model.AgentRunFailed
		run.Error = err.Error()
		r.persist(logger, run)
		r.emit(model.OpAgentRunFailed, run.ID, map[string]any{
			"agent":    string(def.Type),
			"attempts": attempts,
			"error":    err.Error(),
		})
		telemetry.ObserveAgentRun(string(def.Type), string(model.AgentRunFailed), duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent run failed")
		logger.Warn("agent run failed", zap.Int("attempts", attempts), zap.Error(err))
		return Result{}, &RunError{RunID: run.ID, Agent: def.Type, Err: err}
	}

	run.Status = model.AgentRunCompleted
	run.Output = output
	run.Error = ""
	r.persist(logger, run)
	telemetry.ObserveAgentRun(string(def.Type), string(model.AgentRunCompleted), duration)
	logger.Debug("agent run completed", zap.Int("attempts", attempts), zap.Duration("duration", duration))
	return Result{RunID: run.ID, Output: output, Attempts: attempts, Duration: duration}, nil
}

func (r *Runner) parseOutput(def Definition, content string) (json.RawMessage, error) {
	obj, err := ExtractJSON(content)
	if err != nil {
		return nil, &OutputError{Raw: content, Err: err}
	}
	if !json.Valid([]byte(obj)) {
		return nil, &OutputError{Raw: content, Err: errors.New("malformed JSON object")}
	}
	if err := r.schemas.validate(def.OutputSchema, []byte(obj)); err != nil {
		return nil, &OutputError{Raw: content, Err: err}
	}
	return json.RawMessage(obj), nil
}

func (r *Runner) persist(logger *zap.Logger, run model.AgentRun) {
	// The run outlives a canceled caller so the trail stays complete.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.runs.UpdateAgentRun(ctx, run); err != nil {
		logger.Error("failed to persist agent run", zap.Error(err))
	}
}

func (r *Runner) emit(op, id string, meta map[string]any) {
	r.audit.Emit(model.AuditEvent{
		Operation:  op,
		EntityType: model.EntityAgentRun,
		EntityID:   id,
		Metadata:   meta,
		TS:         r.clock.Now().UTC(),
	})
}

func shouldRetry(err error) bool {
	var oe *OutputError
	if errors.As(err, &oe) {
		return true
	}
	return resilience.IsRetryable(err)
}

// canonicalInput renders the input as RFC 8785 canonical JSON so equal inputs hash equally.
func canonicalInput(in any) (json.RawMessage, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "marshal input")
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, eris.Wrap(err, "canonicalize input")
	}
	return canon, nil
}
