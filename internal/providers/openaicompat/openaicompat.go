// Package openaicompat implements the Adapter for any endpoint that speaks
// the OpenAI chat completions dialect (the custom-http provider type:
// xAI, Groq, DeepSeek, Together AI, vLLM, and friends).
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/keygateio/keygate/internal/providers"
)

// Adapter is a configurable OpenAI-compatible upstream.
type Adapter struct {
	baseURL string
	client  openaiSDK.Client
}

// New creates an Adapter for the given API base URL,
// e.g. "https://api.x.ai/v1". The credential is sent per request as
// "Authorization: Bearer <key>".
func New(baseURL string, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Adapter{
		baseURL: baseURL,
		client:  openaiSDK.NewClient(opts...),
	}
}

func (a *Adapter) Type() string { return "custom-http" }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)
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

func buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
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

// streamChat pulls the first chunk before returning; see the openai adapter
// for the rationale.
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
		pe := &providers.Error{
			Outcome:    providers.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
		}
		if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
			if secs, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After")); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{Outcome: providers.OutcomeTimeout, Message: "upstream request timed out"}
	}
	return &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
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
