// Package proxy is the OpenAI-compatible HTTP surface and the dispatch core
// behind it.
//
// The Gateway authenticates clients, applies the request-axis rate limits,
// and hands the normalized body to the Engine, which walks the alias's
// candidate providers until one attempt succeeds. Responses are returned in
// the OpenAI wire shape; streaming responses are relayed as SSE and are
// committed to a single upstream once the first chunk is forwarded.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the shared store and the
//     upstream call itself; auditing and metrics are fire-and-forget.
//   - Audit trail, metrics, and health checker are optional and nil-safe.
//   - Unsealed credentials exist only inside a single upstream attempt and
//     never reach logs, metric labels, or response bodies.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/keygateio/keygate/internal/audit"
	"github.com/keygateio/keygate/internal/metrics"
	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/router"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
	"github.com/keygateio/keygate/pkg/apierr"
)

// GatewayOptions holds the optional pieces of a Gateway. All fields may be
// left zero.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Metrics enables Prometheus collection and the /metrics route.
	Metrics *metrics.Registry

	// Trail receives one audit record per client request.
	Trail *audit.Trail

	// ClientAPIKeys is the accepted bearer-token set for /v1 routes. Empty
	// disables client auth (development only).
	ClientAPIKeys []string

	// AdminAPIKey guards the /admin surface. Empty leaves it unregistered.
	AdminAPIKey string

	// CORSOrigins configures the CORS middleware. nil or ["*"] allows any.
	CORSOrigins []string

	// RequestTimeout is the end-to-end deadline for one client request,
	// all attempts included. Default: 60s.
	RequestTimeout time.Duration

	// Health feeds /health and /readiness when set.
	Health *HealthChecker
}

// Gateway is the HTTP front. All dependencies are injected so tests can run
// it against in-memory backends.
type Gateway struct {
	engine *Engine
	store  *store.Store
	vlt    *vault.Vault

	log     *slog.Logger
	metrics *metrics.Registry
	trail   *audit.Trail
	health  *HealthChecker

	clientKeys     map[string]struct{}
	adminKey       string
	corsOrigins    []string
	requestTimeout time.Duration
}

// New creates a Gateway around a dispatch engine.
func New(engine *Engine, st *store.Store, vlt *vault.Vault, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	keys := make(map[string]struct{}, len(opts.ClientAPIKeys))
	for _, k := range opts.ClientAPIKeys {
		keys[k] = struct{}{}
	}

	return &Gateway{
		engine:         engine,
		store:          st,
		vlt:            vlt,
		log:            log,
		metrics:        opts.Metrics,
		trail:          opts.Trail,
		health:         opts.Health,
		clientKeys:     keys,
		adminKey:       opts.AdminAPIKey,
		corsOrigins:    opts.CORSOrigins,
		requestTimeout: timeout,
	}
}

// ── Client auth ───────────────────────────────────────────────────────────────

// requireClientAuth rejects /v1 requests without a configured bearer token.
// The principal stored in the request context is a hash of the token — the
// raw token is never used as a log value or a store key.
func (g *Gateway) requireClientAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if len(g.clientKeys) == 0 {
			ctx.SetUserValue("principal", "anonymous")
			next(ctx)
			return
		}
		token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteInvalidAuth(ctx)
			return
		}
		if _, ok := g.clientKeys[token]; !ok {
			apierr.WriteInvalidAuth(ctx)
			return
		}
		ctx.SetUserValue("principal", hashPrincipal(token))
		next(ctx)
	}
}

func hashPrincipal(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return ctx.RemoteIP().String()
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Prompt      json.RawMessage  `json:"prompt"` // legacy /v1/completions
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
		TopP        float64          `json:"top_p"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// inboundMessages normalizes the two request dialects: chat messages, or the
// legacy completion prompt (string or array of strings).
func inboundMessages(req *inboundRequest) ([]providers.Message, error) {
	if len(req.Messages) > 0 {
		out := make([]providers.Message, len(req.Messages))
		for i, m := range req.Messages {
			out[i] = providers.Message{Role: m.Role, Content: m.Content}
		}
		return out, nil
	}

	if len(req.Prompt) > 0 {
		var s string
		if err := json.Unmarshal(req.Prompt, &s); err == nil && s != "" {
			return []providers.Message{{Role: "user", Content: s}}, nil
		}
		var arr []string
		if err := json.Unmarshal(req.Prompt, &arr); err == nil && len(arr) > 0 {
			return []providers.Message{{Role: "user", Content: strings.Join(arr, "\n")}}, nil
		}
		return nil, fmt.Errorf("'prompt' must be a non-empty string or array of strings")
	}

	return nil, fmt.Errorf("field 'messages' is required")
}

// ── Chat / completions ────────────────────────────────────────────────────────

// dispatchChat is the core handler for /v1/chat/completions and
// /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	endpoint := string(ctx.Path()) // /v1/chat/completions or /v1/completions

	streaming := false
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalized by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(endpoint, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	principal, _ := ctx.UserValue("principal").(string)

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	msgs, err := inboundMessages(&req)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	if !g.allowRequest(ctx, principal) {
		g.auditRequest(reqID, endpoint, req.Model, nil, nil, ctx.Response.StatusCode(), false, 0, 0, start)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("endpoint", endpoint),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	proxyReq := &providers.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		RequestID:   reqID,
	}

	// The request context must outlive this handler for streaming
	// responses: fasthttp runs the body stream writer after the handler
	// returns, and the upstream stream is bound to reqCtx. Ownership of
	// reqCancel moves into the stream writer on that path.
	reqCtx, reqCancel := context.WithTimeout(ctx, g.requestTimeout)

	res, err := g.engine.Dispatch(reqCtx, req.Model, proxyReq)
	if err != nil {
		g.writeDispatchError(ctx, reqCtx, reqID, req.Model, err)
		reqCancel()
		g.auditRequest(reqID, endpoint, req.Model, nil, attemptsOf(err),
			ctx.Response.StatusCode(), false, 0, 0, start)
		return
	}

	// Streaming: once the first chunk is forwarded the upstream is
	// committed; a mid-stream failure ends the client stream, it never
	// swaps providers.
	if req.Stream && res.Resp.Stream != nil {
		streaming = true
		g.streamResponse(ctx, endpoint, reqID, req.Model, res, reqCancel, start)
		return
	}
	reqCancel()

	resp := res.Resp
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: finish,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.auditRequest(reqID, endpoint, req.Model, res, res.Attempts,
		fasthttp.StatusOK, false, resp.Usage.InputTokens, resp.Usage.OutputTokens, start)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", res.Provider),
		slog.String("model", res.Model),
		slog.Int("attempts", len(res.Attempts)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// allowRequest runs the three request axes. Writes the 429 itself.
func (g *Gateway) allowRequest(ctx *fasthttp.RequestCtx, principal string) bool {
	lim := g.engine.limiter
	if lim == nil {
		return true
	}
	d := lim.AllowRequest(ctx, principal, clientIP(ctx))
	if d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("all", "allowed")
		}
		return true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit(d.Axis, "blocked")
	}
	g.log.WarnContext(ctx, "rate_limited",
		slog.String("axis", d.Axis),
		slog.Duration("retry_after", d.RetryAfter),
	)
	apierr.WriteRateLimited(ctx, d.RetryAfter)
	return false
}

// writeDispatchError maps engine errors to client responses.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, reqCtx context.Context, reqID, alias string, err error) {
	var unknown *router.ErrUnknownModel
	var terminal *TerminalError
	var exhausted *ExhaustedError

	switch {
	case errors.As(err, &unknown):
		apierr.WriteModelNotFound(ctx, alias)

	case errors.As(err, &terminal):
		apierr.WriteBadRequest(ctx, terminal.Message)

	case errors.As(err, &exhausted):
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			apierr.WriteTimeout(ctx)
			return
		}
		g.log.ErrorContext(ctx, "all candidates exhausted",
			slog.String("request_id", reqID),
			slog.String("alias", alias),
			slog.Int("attempts", len(exhausted.Attempts)),
		)
		apierr.WriteUpstreamUnavailable(ctx, exhausted.LastMessage())

	case errors.Is(err, ErrNotEmbeddable):
		apierr.WriteBadRequest(ctx, "model does not support embeddings")

	default:
		g.log.ErrorContext(ctx, "dispatch failed",
			slog.String("request_id", reqID),
			slog.String("alias", alias),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
	}
}

func attemptsOf(err error) []Attempt {
	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return terminal.Attempts
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return nil
}

// ── Streaming ─────────────────────────────────────────────────────────────────

// streamResponse relays the committed upstream stream as SSE chunks in the
// OpenAI chat.completion.chunk shape, terminated by [DONE]. Output tokens are
// estimated (~4 chars per token) because most streams carry no usage block.
//
// The writer callback runs after the handler has returned, so it owns both
// cancels: reqCancel (the request deadline) and res.Cancel (the attempt
// context). Cancelling earlier would cut the upstream off mid-stream.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, endpoint, reqID, alias string, res *DispatchResult, reqCancel context.CancelFunc, start time.Time) {
	resp := res.Resp

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer reqCancel()
		if res.Cancel != nil {
			defer res.Cancel()
		}

		var sb strings.Builder
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      resp.ID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   resp.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		outputTokens := sb.Len() / 4
		if outputTokens == 0 {
			outputTokens = 1
		}

		if res.KeyID != "" && g.engine.limiter != nil {
			g.engine.limiter.ChargeTokens(context.Background(), res.KeyID, outputTokens)
		}
		g.auditRequest(reqID, endpoint, alias, res, res.Attempts,
			fasthttp.StatusOK, true, 0, outputTokens, start)
		if g.metrics != nil {
			g.metrics.AddTokens(res.Provider, res.Model, 0, outputTokens)
			g.metrics.ObserveRequest(endpoint, fasthttp.StatusOK, time.Since(start))
			g.metrics.DecInFlight()
		}
	})
}

// ── Embeddings ────────────────────────────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// "input" accepts a string or an array of strings.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	endpoint := "/v1/embeddings"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(endpoint, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	principal, _ := ctx.UserValue("principal").(string)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	if !g.allowRequest(ctx, principal) {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
	}

	resp, info, err := g.engine.DispatchEmbeddings(reqCtx, req.Model, embReq)
	if err != nil {
		g.writeDispatchError(ctx, reqCtx, reqID, req.Model, err)
		g.auditRequest(reqID, endpoint, req.Model, nil, attemptsOf(err),
			ctx.Response.StatusCode(), false, 0, 0, start)
		return
	}

	outData := make([]outboundEmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  resp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: resp.Usage.InputTokens,
			TotalTokens:  resp.Usage.InputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.auditRequest(reqID, endpoint, req.Model, info, info.Attempts,
		fasthttp.StatusOK, false, resp.Usage.InputTokens, 0, start)
}

// ── Models ────────────────────────────────────────────────────────────────────

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the client-visible aliases (GET /v1/models).
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	aliases, err := g.engine.router.Aliases(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "alias listing failed", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx)
		return
	}

	now := time.Now().Unix()
	data := make([]modelObject, len(aliases))
	for i, a := range aliases {
		data[i] = modelObject{ID: a, Object: "model", Created: now, OwnedBy: "keygate"}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// auditRequest enqueues an audit record with the full attempt chain. Never
// blocks; key secrets appear only in masked form.
func (g *Gateway) auditRequest(
	reqID, endpoint, alias string,
	res *DispatchResult,
	attempts []Attempt,
	status int,
	streamed bool,
	inputTokens, outputTokens int,
	start time.Time,
) {
	if g.trail == nil {
		return
	}

	id, err := uuid.Parse(reqID)
	if err != nil {
		id = uuid.New()
	}

	rec := audit.Record{
		ID:        id,
		Endpoint:  endpoint,
		Alias:     alias,
		Status:    uint16(status),
		Streamed:  streamed,
		InputTok:  uint32(inputTokens),
		OutputTok: uint32(outputTokens),
		LatencyMS: time.Since(start).Milliseconds(),
		CreatedAt: time.Now(),
	}
	if res != nil {
		rec.Provider = res.Provider
		rec.Model = res.Model
	}
	rec.Attempts = make([]audit.Attempt, len(attempts))
	for i, a := range attempts {
		rec.Attempts[i] = audit.Attempt{
			Provider:  a.Provider,
			Model:     a.Model,
			KeyMasked: a.KeyMasked,
			Outcome:   string(a.Outcome),
			LatencyMS: a.Latency.Milliseconds(),
		}
	}
	g.trail.Log(rec)
}
