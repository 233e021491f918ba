// Package anthropic implements the Adapter for the Anthropic Messages API
// via the official Go SDK. System and developer turns are folded into the
// top-level system prompt because the Messages API has no system role.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/keygateio/keygate/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Adapter talks to the Anthropic API. Credentials travel per request.
type Adapter struct {
	baseURL string
	client  anthropic.Client
}

type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

func New(timeout time.Duration, opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}

	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}

	a.client = anthropic.NewClient(
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	return a
}

func (a *Adapter) Type() string { return "anthropic" }

func (a *Adapter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)
	opts := []option.RequestOption{option.WithAPIKey(req.Secret)}

	if req.Stream {
		return a.streamChat(ctx, params, opts...)
	}

	msg, err := a.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toAdapterError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: normalizeStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

// streamChat pulls the first delta before returning so an establishment
// failure is an ordinary error, not a broken stream.
func (a *Adapter) streamChat(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*providers.ChatResponse, error) {
	stream := a.client.Messages.NewStreaming(ctx, params, opts...)

	first, ok := nextDelta(stream)
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
			chunk, ok := nextDelta(stream)
			if !ok {
				break
			}
			ch <- chunk
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{FinishReason: "error"}
			return
		}
		ch <- providers.StreamChunk{FinishReason: "stop"}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func nextDelta(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
}) (providers.StreamChunk, bool) {
	for stream.Next() {
		ev := stream.Current()
		switch eventVariant := ev.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text != "" {
					return providers.StreamChunk{Content: deltaVariant.Text}, true
				}
			case *anthropic.TextDelta:
				if deltaVariant.Text != "" {
					return providers.StreamChunk{Content: deltaVariant.Text}, true
				}
			}
		}
	}
	return providers.StreamChunk{}, false
}

// ListModels implements providers.ModelLister.
func (a *Adapter) ListModels(ctx context.Context, secret string) ([]string, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{},
		option.WithAPIKey(secret))
	if err != nil {
		return nil, toAdapterError(err)
	}
	out := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, string(m.ID))
	}
	return out, nil
}

// normalizeStopReason maps Anthropic stop reasons onto the OpenAI wire
// values the clients expect.
func normalizeStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return "stop"
	}
}

func toAdapterError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Outcome:    providers.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{Outcome: providers.OutcomeTimeout, Message: "anthropic: request timed out"}
	}
	return &providers.Error{Outcome: providers.OutcomeNetworkError, Message: err.Error()}
}
