// Package llm is the request/response contract with the inference backend and its
// concrete HTTP and Anthropic implementations.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/regwatch/internal/resilience"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	// JSONMode asks the backend for a JSON object. Callers still validate the content
	// themselves because some models return empty content in this mode.
	JSONMode bool
}

// Response carries the assistant message.
type Response struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client completes chat requests.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config selects and configures a backend.
type Config struct {
	Provider       string
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Timeout        time.Duration
}

// Provider names.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// New builds the configured Client.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", ProviderOllama:
		return NewHTTPClient(cfg), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, eris.New("anthropic provider requires an api key")
		}
		return NewAnthropic(cfg), nil
	default:
		return nil, eris.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// classifyStatus maps a non-2xx backend response onto the retry taxonomy. Everything
// except 401 is worth retrying; 401 means the deployment is misconfigured.
func classifyStatus(code int, retryAfter time.Duration, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	base := fmt.Errorf("llm backend returned status %d: %s", code, body)
	switch code {
	case http.StatusUnauthorized:
		return &resilience.NonRetryableError{Err: base, StatusCode: code}
	case http.StatusTooManyRequests:
		return &resilience.RateLimitSignal{Err: base, RetryAfter: retryAfter}
	default:
		return &resilience.TransientNetworkError{Err: base, StatusCode: code}
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
