package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/regwatch/internal/resilience"
)

const (
	defaultBaseURL = "http://localhost:11434"
	maxErrorBody   = 2 << 10
)

// HTTPClient talks to an Ollama-compatible chat and embedding API.
type HTTPClient struct {
	baseURL        string
	model          string
	embeddingModel string
	maxTokens      int
	http           *http.Client
}

var (
	_ Client   = (*HTTPClient)(nil)
	_ Embedder = (*HTTPClient)(nil)
)

// NewHTTPClient builds an HTTPClient. Timeouts are enforced per call by the caller's
// context; cfg.Timeout only bounds a single HTTP exchange.
func NewHTTPClient(cfg Config) *HTTPClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPClient{
		baseURL:        base,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		http:           &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string      `json:"model"`
	Messages []Message   `json:"messages"`
	Stream   bool        `json:"stream"`
	Format   string      `json:"format,omitempty"`
	Options  chatOptions `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	// Token counts reported by Ollama.
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (Response, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	body := chatRequest{
		Model:    c.model,
		Messages: msgs,
		Options:  chatOptions{Temperature: req.Temperature, NumPredict: maxTokens},
	}
	if req.JSONMode {
		body.Format = "json"
	}

	var out chatResponse
	if err := c.post(ctx, "/api/chat", body, &out); err != nil {
		return Response{}, err
	}
	return Response{
		Content:      out.Message.Content,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements Embedder.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.embeddingModel
	if model == "" {
		model = c.model
	}
	var out embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, eris.New("embedding response contained no vectors")
	}
	return out.Embeddings[0], nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return eris.Wrap(err, "marshal llm request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "build llm request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &resilience.TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(resp.StatusCode, parseRetryAfter(resp.Header), strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &resilience.TransientNetworkError{Err: eris.Wrapf(err, "decode %s response", path)}
	}
	return nil
}
