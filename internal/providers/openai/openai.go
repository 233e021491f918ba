// Package openai implements the Adapter for the OpenAI API via the official
// Go SDK.
package openai

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/keygateio/keygate/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Adapter talks to OpenAI (or any endpoint that serves its exact paths).
// The credential travels per request; the adapter holds only the connection
// pool.
type Adapter struct {
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (self-hosted gateways, tests).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func New(timeout time.Duration, opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}

	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}
	httpClient := &http.Client{Timeout: timeout}
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(option.WithHTTPClient(httpClient))
	return a
}

func (a *Adapter) Type() string { return "openai" }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildChatParams(req)
	opts := []option.RequestOption{option.WithAPIKey(req.Secret)}

	if req.Stream {
		return a.streamChat(ctx, params, opts...)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toAdapterError(err)
	}

	content, finish := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &providers.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func buildChatParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}

	return params
}

// streamChat establishes the upstream stream and pulls the first event
// before returning, so establishment failures surface as ordinary errors
// while the request is still eligible for fallback.
func (a *Adapter) streamChat(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*providers.ChatResponse, error) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	first, ok := nextChunk(stream)
	if !ok {
		if err := stream.Err(); err != nil {
			return nil, toAdapterError(err)
		}
		// Upstream closed an empty stream; deliver it as such.
		ch := make(chan providers.StreamChunk)
		close(ch)
		return &providers.ChatResponse{Stream: ch}, nil
	}

	ch := make(chan providers.StreamChunk, 64)
	go func() {
		defer close(ch)
		ch <- first

		for {
			chunk, ok := nextChunk(stream)
			if !ok {
				break
			}
			ch <- chunk
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{FinishReason: "error"}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// nextChunk advances the SDK stream to the next chunk that carries content
// or a finish reason.
func nextChunk(stream interface {
	Next() bool
	Current() openaiSDK.ChatCompletionChunk
}) (providers.StreamChunk, bool) {
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.Delta.Content != "" || c.FinishReason != "" {
			return providers.StreamChunk{
				Content:      c.Delta.Content,
				FinishReason: c.FinishReason,
			}, true
		}
	}
	return providers.StreamChunk{}, false
}

// Embed implements providers.Embedder.
func (a *Adapter) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	resp, err := a.client.Embeddings.New(ctx, params, option.WithAPIKey(req.Secret))
	if err != nil {
		return nil, toAdapterError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(ctx context.Context, secret string) ([]string, error) {
	page, err := a.client.Models.List(ctx, option.WithAPIKey(secret))
	if err != nil {
		return nil, toAdapterError(err)
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

func toAdapterError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		outcome := providers.ClassifyStatus(apiErr.StatusCode)
		if apiErr.Code == "insufficient_quota" {
			outcome = providers.OutcomeQuotaExhausted
		}
		return &providers.Error{
			Outcome:    outcome,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			RetryAfter: retryAfter(apiErr),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{Outcome: providers.OutcomeTimeout, Message: "openai: request timed out"}
	}
	return &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
}

func retryAfter(apiErr *openaiSDK.Error) time.Duration {
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Response == nil {
		return 0
	}
	secs, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
