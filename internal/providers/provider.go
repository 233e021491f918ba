// Package providers defines the common interfaces and types used by all
// upstream LLM adapter implementations (OpenAI, Anthropic, Ollama, mock,
// and generic OpenAI-compatible HTTP endpoints).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface. Adapters that support vector embeddings additionally implement
// Embedder; adapters that can enumerate upstream models implement ModelLister.
package providers

import (
	"context"
	"time"
)

// Outcome is the normalized classification of one upstream attempt.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAuthFailed     Outcome = "auth_failed"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeBadRequest     Outcome = "bad_request"
	OutcomeServerError    Outcome = "server_error"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeNetworkError   Outcome = "network_error"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"

	// Engine-level outcomes — never produced by an adapter.
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeNoKey       Outcome = "no_key"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest — normalized client request bound to one upstream attempt.
	// Model is the provider-native model name (already resolved from the
	// client alias). Secret is the unsealed credential for this single call;
	// adapters must not retain it.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		TopP        float64
		Secret      string
		RequestID   string
	}

	// ChatResponse — normalized provider response. For streaming requests
	// Stream is non-nil and the first upstream chunk has already been
	// received (so stream-establishment failures surface as ordinary errors
	// before any byte reaches the client).
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk // nil for unary responses
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input     []string
		Model     string
		Secret    string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Adapter — upstream LLM adapter interface. Adapters are stateless beyond an
// HTTP connection pool; the credential travels in the request.
type Adapter interface {
	Type() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Embedder is an optional interface implemented by adapters that support the
// embeddings API. Check with a type assertion before calling.
type Embedder interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ModelLister is an optional interface for adapters that can enumerate the
// models available upstream.
type ModelLister interface {
	ListModels(ctx context.Context, secret string) ([]string, error)
}

// Error is the typed failure every adapter returns for upstream problems.
// Outcome drives the dispatch engine's retry decision; StatusCode is the
// upstream HTTP status when one exists (0 for transport-level failures).
type Error struct {
	Outcome    Outcome
	StatusCode int
	Message    string
	RetryAfter time.Duration // non-zero only for rate_limited
}

func (e *Error) Error() string {
	return string(e.Outcome) + ": " + e.Message
}

// HTTPStatus returns the upstream status code, 0 when unknown.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// ClassifyStatus maps an upstream HTTP status to a normalized Outcome.
// 429 is always rate_limited here; quota exhaustion is detected separately
// from the upstream error code where the dialect exposes one.
func ClassifyStatus(status int) Outcome {
	switch {
	case status == 401 || status == 403:
		return OutcomeAuthFailed
	case status == 429:
		return OutcomeRateLimited
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeBadRequest
	default:
		return OutcomeNetworkError
	}
}

// Default adapter timeout used when a provider record carries no timeout.
const DefaultTimeout = 30 * time.Second
