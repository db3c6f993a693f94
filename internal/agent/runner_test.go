package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/llm"
	"github.com/JakeFAU/regwatch/internal/model"
	"github.com/JakeFAU/regwatch/internal/resilience"
	"github.com/JakeFAU/regwatch/internal/store/memory"
)

const (
	inSchema = `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string", "minLength": 1}}
	}`
	outSchema = `{
		"type": "object",
		"required": ["label"],
		"properties": {"label": {"enum": ["regulation", "news"]}}
	}`
)

type input struct {
	Text string `json:"text"`
}

func classifier() Definition {
	return Definition{
		Type:         model.AgentContentClassifier,
		SystemPrompt: "Classify the document.",
		InputSchema:  inSchema,
		OutputSchema: outSchema,
		MaxRetries:   2,
	}
}

func newRunner(client llm.Client, store *memory.Store) *Runner {
	return NewRunner(client, store, WithBackoff(time.Millisecond, time.Millisecond))
}

func TestRunSuccessAfterFencedOutput(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	client.On("Complete", mock.Anything, mock.MatchedBy(func(req llm.Request) bool {
		return req.JSONMode && req.Messages[0].Content == `{"text":"Zakon o PDV-u"}`
	})).Return(llm.Response{Content: "```json\n{\"label\": \"regulation\"}\n```"}, nil).Once()

	store := memory.New()
	res, err := newRunner(client, store).Run(context.Background(), Call{Agent: classifier(), Input: input{Text: "Zakon o PDV-u"}, EvidenceID: "ev-1"})
	require.NoError(t, err)

	var out struct {
		Label string `json:"label"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "regulation", out.Label)
	assert.Equal(t, 1, res.Attempts)

	run, err := store.GetAgentRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunCompleted, run.Status)
	assert.Equal(t, "ev-1", run.EvidenceID)
	assert.NotEmpty(t, run.InputHash)
	assert.NotNil(t, run.CompletedAt)
	client.AssertExpectations(t)
}

func TestRunRetriesSchemaFailures(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	client.On("Complete", mock.Anything, mock.Anything).Return(llm.Response{Content: `{"label": "poetry"}`}, nil).Once()
	client.On("Complete", mock.Anything, mock.Anything).Return(llm.Response{Content: "not json at all"}, nil).Once()
	client.On("Complete", mock.Anything, mock.Anything).Return(llm.Response{Content: `Sure! {"label": "news"} hope that helps`}, nil).Once()

	store := memory.New()
	res, err := newRunner(client, store).Run(context.Background(), Call{Agent: classifier(), Input: input{Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.JSONEq(t, `{"label":"news"}`, string(res.Output))

	run, err := store.GetAgentRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "not json at all", run.RawOutput, "last invalid output is kept for diagnosis")
	client.AssertExpectations(t)
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	client.On("Complete", mock.Anything, mock.Anything).Return(llm.Response{Content: "{}"}, nil).Times(3)

	store := memory.New()
	_, err := newRunner(client, store).Run(context.Background(), Call{Agent: classifier(), Input: input{Text: "x"}})
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	var exhausted *resilience.ExhaustedError
	assert.True(t, errors.As(err, &exhausted))

	run, err := store.GetAgentRun(context.Background(), runErr.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunFailed, run.Status)
	assert.Equal(t, 3, run.Attempts)
	assert.Equal(t, "{}", run.RawOutput)
	client.AssertExpectations(t)
}

func TestRunRejectsInvalidInputWithoutCalling(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	store := memory.New()
	_, err := newRunner(client, store).Run(context.Background(), Call{Agent: classifier(), Input: input{Text: ""}})
	require.Error(t, err)

	var verr *resilience.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.False(t, resilience.IsRetryable(err))
	client.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)

	runs := store.AgentRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, model.AgentRunFailed, runs[0].Status)
}

func TestRunStopsOnUnauthorized(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	client.On("Complete", mock.Anything, mock.Anything).
		Return(llm.Response{}, &resilience.NonRetryableError{Err: errors.New("status 401"), StatusCode: 401}).Once()

	_, err := newRunner(client, memory.New()).Run(context.Background(), Call{Agent: classifier(), Input: input{Text: "x"}})
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "Complete", 1)
}

func TestRunInputHashIsCanonical(t *testing.T) {
	t.Parallel()

	client := &llm.MockClient{}
	client.On("Complete", mock.Anything, mock.Anything).Return(llm.Response{Content: `{"label":"news"}`}, nil)
	store := memory.New()
	r := newRunner(client, store)
	def := classifier()
	def.InputSchema = ""

	a, err := r.Run(context.Background(), Call{Agent: def, Input: map[string]any{"b": 1, "a": "x"}})
	require.NoError(t, err)
	b, err := r.Run(context.Background(), Call{Agent: def, Input: struct {
		A string `json:"a"`
		B int    `json:"b"`
	}{"x", 1}})
	require.NoError(t, err)

	runA, _ := store.GetAgentRun(context.Background(), a.RunID)
	runB, _ := store.GetAgentRun(context.Background(), b.RunID)
	assert.Equal(t, runA.InputHash, runB.InputHash)
}

func TestDefinitionDefaults(t *testing.T) {
	t.Parallel()

	d := Definition{Type: model.AgentComposer, MaxRetries: -1}.withDefaults(nil)
	assert.Equal(t, 5*time.Minute, d.Timeout)
	assert.Equal(t, 2, d.MaxRetries)

	d = Definition{Type: model.AgentContentClassifier, MaxRetries: -1}.withDefaults(map[model.AgentType]time.Duration{
		model.AgentContentClassifier: 10 * time.Second,
	})
	assert.Equal(t, 10*time.Second, d.Timeout)
	assert.Less(t, DefaultTimeout(model.AgentContentClassifier), DefaultTimeout(model.AgentComposer))
}

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no tag", "```\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`},
		{"prose around", `Here you go: {"a":"}"} done`, `{"a":"}"}`},
		{"escaped quote", `{"q":"he said \"{\""}`, `{"q":"he said \"{\""}`},
		{"first of two", `{"a":1}{"b":2}`, `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSON(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ExtractJSON("no object { here")
	assert.ErrorIs(t, err, ErrNoJSONObject)
}
