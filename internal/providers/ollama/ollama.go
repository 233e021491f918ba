// Package ollama implements the Adapter for a local or remote Ollama server.
//
// Ollama speaks its own NDJSON dialect on /api/chat rather than the OpenAI
// one, and runs keyless: the Secret on the request is ignored.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keygateio/keygate/internal/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter talks to one Ollama server.
type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	return &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Type() string { return "ollama" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// chatLine is one NDJSON line from /api/chat. The final line has done=true
// and carries the token counts.
type chatLine struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body := chatRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature != 0 || req.MaxTokens > 0 || req.TopP != 0 {
		body.Options = &chatOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
		}
	}

	resp, err := a.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, err
	}

	if req.Stream {
		return a.streamChat(resp)
	}
	defer resp.Body.Close()

	var line chatLine
	if err := json.NewDecoder(resp.Body).Decode(&line); err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: "ollama: decode response: " + err.Error()}
	}

	return &providers.ChatResponse{
		Model:        line.Model,
		Content:      line.Message.Content,
		FinishReason: normalizeDoneReason(line.DoneReason),
		Usage: providers.Usage{
			InputTokens:  line.PromptEvalCount,
			OutputTokens: line.EvalCount,
		},
	}, nil
}

// streamChat reads the first NDJSON line before returning so a failed model
// load surfaces as an ordinary error.
func (a *Adapter) streamChat(resp *http.Response) (*providers.ChatResponse, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	first, err := nextLine(scanner)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	if first == nil {
		resp.Body.Close()
		ch := make(chan providers.StreamChunk)
		close(ch)
		return &providers.ChatResponse{Stream: ch}, nil
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		line := first
		for {
			if line.Message.Content != "" || line.Done {
				chunk := providers.StreamChunk{Content: line.Message.Content}
				if line.Done {
					chunk.FinishReason = normalizeDoneReason(line.DoneReason)
					if chunk.FinishReason == "" {
						chunk.FinishReason = "stop"
					}
				}
				ch <- chunk
			}
			if line.Done {
				return
			}
			line, err = nextLine(scanner)
			if err != nil || line == nil {
				if err != nil {
					ch <- providers.StreamChunk{FinishReason: "error"}
				}
				return
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func nextLine(scanner *bufio.Scanner) (*chatLine, error) {
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line chatLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: "ollama: decode stream line: " + err.Error()}
		}
		if line.Error != "" {
			return nil, &providers.Error{Outcome: providers.OutcomeServerError, Message: "ollama: " + line.Error}
		}
		return &line, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: "ollama: read stream: " + err.Error()}
	}
	return nil, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

// Embed implements providers.Embedder via /api/embed.
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	resp, err := a.post(ctx, "/api/embed", embedRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: "ollama: decode response: " + err.Error()}
	}

	data := make([]providers.EmbeddingData, len(er.Embeddings))
	for i, e := range er.Embeddings {
		data[i] = providers.EmbeddingData{Index: i, Embedding: e}
	}

	return &providers.EmbeddingResponse{
		Model: er.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: er.PromptEvalCount},
	}, nil
}

// ListModels implements providers.ModelLister via /api/tags.
func (a *Adapter) ListModels(ctx context.Context, _ string) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: "ollama: decode response: " + err.Error()}
	}

	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

// post sends a JSON body and returns the response with a 200 status. Non-200
// responses are drained and translated; the caller owns the body otherwise.
func (a *Adapter) post(ctx context.Context, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeBadRequest, Message: "ollama: encode request: " + err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{Outcome: providers.OutcomeTimeout, Message: "ollama: request timed out"}
	}
	var ue interface{ Timeout() bool }
	if errors.As(err, &ue) && ue.Timeout() {
		return &providers.Error{Outcome: providers.OutcomeTimeout, Message: "ollama: request timed out"}
	}
	return &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := ""
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	// A missing model comes back as 404 with an error body; that is a bad
	// request from the gateway's point of view, not a transport failure.
	return &providers.Error{
		Outcome:    providers.ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    "ollama: " + msg,
	}
}

func normalizeDoneReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}
