// Package mockprov implements the mock provider type: an in-process adapter
// that answers deterministically without any network. Deployments use it for
// smoke-testing a gateway install; the dispatch tests script it with
// per-call outcomes.
package mockprov

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/keygateio/keygate/internal/providers"
)

// Result scripts one upcoming call. Err takes precedence over the response
// fields.
type Result struct {
	Content string
	Err     error
	// Chunks, when non-empty, makes a streaming call deliver these pieces.
	Chunks []string
}

// Adapter is the scripted in-process provider.
type Adapter struct {
	mu      sync.Mutex
	script  []Result
	calls   int
	lastReq *providers.ChatRequest
}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Type() string { return "mock" }

// Enqueue appends scripted results consumed in order. With an empty script
// every call echoes the last user message.
func (a *Adapter) Enqueue(results ...Result) {
	a.mu.Lock()
	a.script = append(a.script, results...)
	a.mu.Unlock()
}

// Calls reports how many times Chat was invoked.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// LastRequest returns the most recent request seen, nil before the first call.
func (a *Adapter) LastRequest() *providers.ChatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReq
}

func (a *Adapter) next() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.script) == 0 {
		return Result{}
	}
	r := a.script[0]
	a.script = a.script[1:]
	return r
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	a.mu.Lock()
	a.calls++
	a.lastReq = req
	a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeTimeout, Message: "mock: context expired"}
	}

	r := a.next()
	if r.Err != nil {
		return nil, r.Err
	}

	content := r.Content
	if content == "" {
		content = echo(req)
	}

	if req.Stream {
		chunks := r.Chunks
		if len(chunks) == 0 {
			chunks = strings.SplitAfter(content, " ")
		}
		ch := make(chan providers.StreamChunk, len(chunks)+1)
		for _, c := range chunks {
			ch <- providers.StreamChunk{Content: c}
		}
		ch <- providers.StreamChunk{FinishReason: "stop"}
		close(ch)
		return &providers.ChatResponse{
			ID:     fmt.Sprintf("mock-%d", a.Calls()),
			Model:  req.Model,
			Stream: ch,
		}, nil
	}

	return &providers.ChatResponse{
		ID:           fmt.Sprintf("mock-%d", a.Calls()),
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage: providers.Usage{
			InputTokens:  promptTokens(req),
			OutputTokens: estimateTokens(content),
		},
	}, nil
}

// Embed implements providers.Embedder with fixed-size vectors.
func (a *Adapter) Embed(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	data := make([]providers.EmbeddingData, len(req.Input))
	for i, text := range req.Input {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32((len(text)+i+j)%7) / 7
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: vec}
	}
	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: len(req.Input)},
	}, nil
}

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(context.Context, string) ([]string, error) {
	return []string{"mock-small", "mock-large"}, nil
}

func echo(req *providers.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "echo:"
}

func promptTokens(req *providers.ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += estimateTokens(m.Content)
	}
	return n
}

// Rough heuristic used across the gateway when the upstream reports no usage.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && s != "" {
		n = 1
	}
	return n
}
