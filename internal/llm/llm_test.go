package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/resilience"
)

func TestHTTPClientComplete(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen2.5", body.Model)
		assert.Equal(t, "json", body.Format)
		assert.False(t, body.Stream)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.InDelta(t, 0.1, body.Options.Temperature, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen2.5",
			"message":           map[string]string{"role": "assistant", "content": `{"ok":true}`},
			"prompt_eval_count": 12,
			"eval_count":        4,
		})
	}))
	defer ts.Close()

	c := NewHTTPClient(Config{BaseURL: ts.URL, Model: "qwen2.5"})
	resp, err := c.Complete(context.Background(), Request{
		SystemPrompt: "Return JSON only.",
		Messages:     []Message{{Role: RoleUser, Content: "hi"}},
		Temperature:  0.1,
		JSONMode:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, int64(12), resp.InputTokens)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		retryable bool
		rateLimit bool
	}{
		{"unauthorized is terminal", http.StatusUnauthorized, false, false},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad request still retried", http.StatusBadRequest, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "7")
				http.Error(w, "nope", tc.status)
			}))
			defer ts.Close()

			_, err := NewHTTPClient(Config{BaseURL: ts.URL}).Complete(context.Background(), Request{})
			require.Error(t, err)
			assert.Equal(t, tc.retryable, resilience.IsRetryable(err))
			assert.Equal(t, tc.rateLimit, resilience.IsRateLimit(err))
			if tc.rateLimit {
				assert.Equal(t, 7*time.Second, resilience.RetryAfter(err))
			}
		})
	}
}

func TestHTTPClientEmbed(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body.Model)
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer ts.Close()

	c := NewHTTPClient(Config{BaseURL: ts.URL, Model: "qwen2.5", EmbeddingModel: "nomic-embed-text"})
	vec, err := c.Embed(context.Background(), "tekst")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPClientEmbedEmpty(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer ts.Close()

	_, err := NewHTTPClient(Config{BaseURL: ts.URL}).Embed(context.Background(), "x")
	require.Error(t, err)
}

func TestAnthropicComplete(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/messages")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": `{"claims":[]}`}},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 20, "output_tokens": 6},
		})
	}))
	defer ts.Close()

	c := NewAnthropic(Config{APIKey: "test-key", BaseURL: ts.URL})
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "extract"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"claims":[]}`, resp.Content)
	assert.Equal(t, int64(6), resp.OutputTokens)
}

func TestAnthropicUnauthorizedIsTerminal(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer ts.Close()

	_, err := NewAnthropic(Config{APIKey: "bad", BaseURL: ts.URL}).Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.Error(t, err)
	var nr *resilience.NonRetryableError
	assert.True(t, errors.As(err, &nr))
	assert.False(t, resilience.IsRetryable(err))
}

func TestNew(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	_, err = New(Config{Provider: ProviderAnthropic})
	require.Error(t, err)

	_, err = New(Config{Provider: "bard"})
	require.Error(t, err)
}
