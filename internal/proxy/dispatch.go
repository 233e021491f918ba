package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/keygateio/keygate/internal/breaker"
	"github.com/keygateio/keygate/internal/keyselect"
	"github.com/keygateio/keygate/internal/metrics"
	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/router"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
)

// Same-provider key retries per candidate. Cross-provider failover is bounded
// by the candidate list itself.
const defaultKeyRetries = 3

// Backoff between same-provider retries: full jitter over an exponential
// schedule. No backoff is applied between cross-provider attempts.
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// AdapterFactory builds (or returns a cached) adapter for a provider record.
type AdapterFactory interface {
	Adapter(p *store.Provider) (providers.Adapter, error)
}

// Attempt is the audit trace of one candidate try, including skips.
type Attempt struct {
	Provider   string
	Model      string
	KeyMasked  string
	Outcome    providers.Outcome
	Message    string // sanitized; safe for logs and client bodies
	RetryAfter time.Duration
	Latency    time.Duration
}

// DispatchResult is a successful dispatch. For streaming responses Cancel
// must be called once the stream is drained; for unary responses it is nil.
type DispatchResult struct {
	Resp      *providers.ChatResponse
	Provider  string
	Model     string // provider-native model that served the request
	KeyID     string // upstream key id, empty for keyless providers
	KeyMasked string
	Attempts  []Attempt
	Cancel    context.CancelFunc
}

// TerminalError is a non-retryable upstream failure (bad request). The
// message has been sanitized and is safe to return to the client.
type TerminalError struct {
	Attempts []Attempt
	Message  string
}

func (e *TerminalError) Error() string { return e.Message }

// ExhaustedError reports that every candidate was tried or skipped.
type ExhaustedError struct {
	Attempts []Attempt
}

// LastMessage returns the most recent upstream message, empty when every
// candidate was skipped before a call was made.
func (e *ExhaustedError) LastMessage() string {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		if e.Attempts[i].Message != "" {
			return e.Attempts[i].Message
		}
	}
	return ""
}

func (e *ExhaustedError) Error() string {
	if msg := e.LastMessage(); msg != "" {
		return "all upstream providers are unavailable: " + msg
	}
	return "all upstream providers are unavailable"
}

// Engine walks an alias's candidate list until one upstream attempt succeeds.
//
// Per candidate: the circuit breaker is consulted first, then a key is
// selected and unsealed for a single call. Key-scoped failures (auth, quota)
// retry with another key on the same provider; infrastructure failures and
// upstream rate limits advance to the next candidate. Bad requests stop the
// walk immediately — no other provider will parse the body differently.
type Engine struct {
	router   *router.Router
	brk      breaker.Breaker
	selector *keyselect.Selector
	vlt      *vault.Vault
	limiter  *ratelimit.Limiter
	adapters AdapterFactory
	metrics  *metrics.Registry
	log      *slog.Logger

	keyRetries int

	// sleep is swapped out in tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration)
}

// EngineOptions tunes an Engine. Zero values use package defaults.
type EngineOptions struct {
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	KeyRetries int
}

// NewEngine wires a dispatch engine. limiter may be nil (token charging is
// then skipped); metrics may be nil.
func NewEngine(
	rt *router.Router,
	brk breaker.Breaker,
	sel *keyselect.Selector,
	vlt *vault.Vault,
	limiter *ratelimit.Limiter,
	adapters AdapterFactory,
	opts EngineOptions,
) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	retries := opts.KeyRetries
	if retries < 1 {
		retries = defaultKeyRetries
	}
	return &Engine{
		router:     rt,
		brk:        brk,
		selector:   sel,
		vlt:        vlt,
		limiter:    limiter,
		adapters:   adapters,
		metrics:    opts.Metrics,
		log:        log,
		keyRetries: retries,
		sleep:      sleepCtx,
	}
}

// Dispatch resolves alias and walks the candidates with req. On success the
// caller owns the response; for streaming responses it must call
// DispatchResult.Cancel after draining the stream.
func (e *Engine) Dispatch(ctx context.Context, alias string, req *providers.ChatRequest) (*DispatchResult, error) {
	candidates, err := e.router.Resolve(ctx, alias)
	if err != nil {
		return nil, err
	}

	var attempts []Attempt

	for i, cand := range candidates {
		if i > 0 && len(attempts) > 0 {
			// Advancing past a failed or skipped candidate is a fallback.
			e.recordFallback(alias, attempts[len(attempts)-1].Outcome)
		}
		if ctx.Err() != nil {
			break
		}

		prov := cand.Provider
		model := cand.Mapping.ProviderModel

		if !e.allowProvider(ctx, prov.Name) {
			attempts = append(attempts, Attempt{
				Provider: prov.Name, Model: model,
				Outcome: providers.OutcomeCircuitOpen,
			})
			continue
		}

		adapter, err := e.adapters.Adapter(prov)
		if err != nil {
			e.log.ErrorContext(ctx, "adapter build failed",
				slog.String("provider", prov.Name),
				slog.String("error", err.Error()),
			)
			attempts = append(attempts, Attempt{
				Provider: prov.Name, Model: model,
				Outcome: providers.OutcomeNoKey,
			})
			continue
		}

		res, tried, terminal := e.tryProvider(ctx, cand, adapter, req)
		attempts = append(attempts, tried...)
		if res != nil {
			res.Attempts = attempts
			return res, nil
		}
		if terminal != "" {
			return nil, &TerminalError{Attempts: attempts, Message: terminal}
		}
	}

	return nil, &ExhaustedError{Attempts: attempts}
}

// tryProvider runs up to keyRetries attempts against one candidate. A non-nil
// result means success; a non-empty terminal message stops the whole walk.
func (e *Engine) tryProvider(
	ctx context.Context,
	cand router.Candidate,
	adapter providers.Adapter,
	base *providers.ChatRequest,
) (res *DispatchResult, attempts []Attempt, terminal string) {
	prov := cand.Provider

	req := *base
	req.Model = cand.Mapping.ProviderModel
	applyOverride(&req, cand.Mapping.Override)

	// Keys already tried for this candidate; a retry must reach a
	// different key or stop.
	tried := make(map[string]struct{})

	for try := 0; try < e.keyRetries; try++ {
		if ctx.Err() != nil {
			return nil, attempts, ""
		}
		if try > 0 {
			e.sleep(ctx, backoff(try))
		}

		key, err := e.selector.PickExcluding(ctx, prov.ID, tried)
		if err != nil {
			if !errors.Is(err, keyselect.ErrNoKey) {
				e.log.ErrorContext(ctx, "key selection failed",
					slog.String("provider", prov.Name),
					slog.String("error", err.Error()),
				)
			}
			if keyless(prov.Type) && try == 0 && e.selector.Unkeyed(ctx, prov.ID) {
				key = nil // mock and ollama run without a credential
			} else {
				attempts = append(attempts, Attempt{
					Provider: prov.Name, Model: req.Model,
					Outcome: providers.OutcomeNoKey,
				})
				return nil, attempts, ""
			}
		}

		secret := ""
		if key != nil {
			tried[key.KeyID] = struct{}{}
			secret, err = e.vlt.Unseal(key.Ciphertext)
			if err != nil {
				// Undecryptable ciphertext is a config defect, not an
				// upstream outcome; skip the key.
				e.log.ErrorContext(ctx, "key unseal failed",
					slog.String("provider", prov.Name),
					slog.String("key", key.Masked),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		attempt, resp, cancel := e.callOnce(ctx, prov, adapter, &req, key, secret)
		attempts = append(attempts, attempt)

		switch attempt.Outcome {
		case providers.OutcomeOK:
			keyID, masked := "", ""
			if key != nil {
				keyID, masked = key.KeyID, key.Masked
			}
			return &DispatchResult{
				Resp:      resp,
				Provider:  prov.Name,
				Model:     req.Model,
				KeyID:     keyID,
				KeyMasked: masked,
				Cancel:    cancel,
			}, attempts, ""

		case providers.OutcomeBadRequest:
			// No other provider will accept a malformed body.
			return nil, attempts, attempt.Message

		case providers.OutcomeAuthFailed, providers.OutcomeQuotaExhausted:
			if key == nil {
				// Keyless provider refusing auth: another key won't help.
				return nil, attempts, ""
			}
			continue // next key, same provider

		default:
			// server_error, timeout, network_error, rate_limited:
			// advance to the next candidate.
			return nil, attempts, ""
		}
	}

	return nil, attempts, ""
}

// callOnce performs a single upstream call and feeds the outcome into the
// key selector, the circuit breaker, and metrics. The returned cancel is
// non-nil only for streaming responses and must be called after drain.
func (e *Engine) callOnce(
	ctx context.Context,
	prov *store.Provider,
	adapter providers.Adapter,
	req *providers.ChatRequest,
	key *store.APIKey,
	secret string,
) (Attempt, *providers.ChatResponse, context.CancelFunc) {
	perAttempt := providers.DefaultTimeout
	if prov.TimeoutMS > 0 {
		perAttempt = time.Duration(prov.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, perAttempt)

	call := *req
	call.Secret = secret

	start := time.Now()
	resp, err := adapter.Chat(callCtx, &call)
	latency := time.Since(start)

	outcome, retryAfter, msg := classify(err)
	if key != nil && secret != "" {
		msg = vault.Sanitize(msg, secret, key.Ciphertext)
	}

	attempt := Attempt{
		Provider:   prov.Name,
		Model:      req.Model,
		Outcome:    outcome,
		Message:    msg,
		RetryAfter: retryAfter,
		Latency:    latency,
	}
	if key != nil {
		attempt.KeyMasked = key.Masked
		if e.selector.Observe(ctx, key, outcome, retryAfter) && e.metrics != nil {
			e.metrics.RecordKeyDemotion(prov.Name)
		}
	}
	e.feedBreaker(ctx, prov.Name, outcome)
	if e.metrics != nil {
		e.metrics.ObserveProviderRequest(prov.Name, req.Model, string(outcome), latency)
	}

	if outcome != providers.OutcomeOK {
		cancel()
		e.log.WarnContext(ctx, "upstream attempt failed",
			slog.String("provider", prov.Name),
			slog.String("model", req.Model),
			slog.String("outcome", string(outcome)),
			slog.String("key", attempt.KeyMasked),
			slog.Duration("latency", latency),
		)
		return attempt, nil, nil
	}

	// Unary responses are fully read; token budgets are charged now.
	// Streaming responses stay bound to callCtx until the stream drains.
	if resp.Stream == nil {
		cancel()
		if key != nil && e.limiter != nil {
			e.limiter.ChargeTokens(ctx, key.KeyID,
				resp.Usage.InputTokens+resp.Usage.OutputTokens)
		}
		if e.metrics != nil {
			e.metrics.AddTokens(prov.Name, req.Model,
				resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
		return attempt, resp, nil
	}
	return attempt, resp, cancel
}

// DispatchEmbeddings walks the alias candidates for an embedding request.
// Candidates whose adapter cannot embed are skipped; when no candidate can,
// ErrNotEmbeddable is returned.
func (e *Engine) DispatchEmbeddings(ctx context.Context, alias string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, *DispatchResult, error) {
	candidates, err := e.router.Resolve(ctx, alias)
	if err != nil {
		return nil, nil, err
	}

	var attempts []Attempt
	embeddable := false

	for i, cand := range candidates {
		if i > 0 && len(attempts) > 0 {
			e.recordFallback(alias, attempts[len(attempts)-1].Outcome)
		}
		if ctx.Err() != nil {
			break
		}

		prov := cand.Provider
		model := cand.Mapping.ProviderModel

		adapter, err := e.adapters.Adapter(prov)
		if err != nil {
			continue
		}
		embedder, ok := adapter.(providers.Embedder)
		if !ok {
			continue
		}
		embeddable = true

		if !e.allowProvider(ctx, prov.Name) {
			attempts = append(attempts, Attempt{
				Provider: prov.Name, Model: model,
				Outcome: providers.OutcomeCircuitOpen,
			})
			continue
		}

		resp, tried, terminal := e.tryEmbed(ctx, cand, embedder, req)
		attempts = append(attempts, tried...)
		if resp != nil {
			info := &DispatchResult{
				Provider: prov.Name,
				Model:    model,
				Attempts: attempts,
			}
			if n := len(tried); n > 0 {
				info.KeyMasked = tried[n-1].KeyMasked
			}
			return resp, info, nil
		}
		if terminal != "" {
			return nil, nil, &TerminalError{Attempts: attempts, Message: terminal}
		}
	}

	if !embeddable {
		return nil, nil, ErrNotEmbeddable
	}
	return nil, nil, &ExhaustedError{Attempts: attempts}
}

// ErrNotEmbeddable reports an alias none of whose providers support
// embeddings.
var ErrNotEmbeddable = errors.New("proxy: model does not support embeddings")

func (e *Engine) tryEmbed(
	ctx context.Context,
	cand router.Candidate,
	embedder providers.Embedder,
	base *providers.EmbeddingRequest,
) (resp *providers.EmbeddingResponse, attempts []Attempt, terminal string) {
	prov := cand.Provider

	req := *base
	req.Model = cand.Mapping.ProviderModel

	tried := make(map[string]struct{})

	for try := 0; try < e.keyRetries; try++ {
		if ctx.Err() != nil {
			return nil, attempts, ""
		}
		if try > 0 {
			e.sleep(ctx, backoff(try))
		}

		key, err := e.selector.PickExcluding(ctx, prov.ID, tried)
		if err != nil {
			if keyless(prov.Type) && try == 0 && e.selector.Unkeyed(ctx, prov.ID) {
				key = nil
			} else {
				attempts = append(attempts, Attempt{
					Provider: prov.Name, Model: req.Model,
					Outcome: providers.OutcomeNoKey,
				})
				return nil, attempts, ""
			}
		}

		secret := ""
		if key != nil {
			tried[key.KeyID] = struct{}{}
			secret, err = e.vlt.Unseal(key.Ciphertext)
			if err != nil {
				e.log.ErrorContext(ctx, "key unseal failed",
					slog.String("provider", prov.Name),
					slog.String("key", key.Masked),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		perAttempt := providers.DefaultTimeout
		if prov.TimeoutMS > 0 {
			perAttempt = time.Duration(prov.TimeoutMS) * time.Millisecond
		}
		callCtx, cancel := context.WithTimeout(ctx, perAttempt)

		call := req
		call.Secret = secret

		start := time.Now()
		out, callErr := embedder.Embed(callCtx, &call)
		cancel()
		latency := time.Since(start)

		outcome, retryAfter, msg := classify(callErr)
		if key != nil && secret != "" {
			msg = vault.Sanitize(msg, secret, key.Ciphertext)
		}

		attempt := Attempt{
			Provider: prov.Name, Model: req.Model,
			Outcome: outcome, Message: msg,
			RetryAfter: retryAfter, Latency: latency,
		}
		if key != nil {
			attempt.KeyMasked = key.Masked
			if e.selector.Observe(ctx, key, outcome, retryAfter) && e.metrics != nil {
				e.metrics.RecordKeyDemotion(prov.Name)
			}
		}
		e.feedBreaker(ctx, prov.Name, outcome)
		if e.metrics != nil {
			e.metrics.ObserveProviderRequest(prov.Name, req.Model, string(outcome), latency)
		}
		attempts = append(attempts, attempt)

		switch outcome {
		case providers.OutcomeOK:
			if key != nil && e.limiter != nil {
				e.limiter.ChargeTokens(ctx, key.KeyID, out.Usage.InputTokens)
			}
			return out, attempts, ""
		case providers.OutcomeBadRequest:
			return nil, attempts, msg
		case providers.OutcomeAuthFailed, providers.OutcomeQuotaExhausted:
			if key == nil {
				return nil, attempts, ""
			}
			continue
		default:
			return nil, attempts, ""
		}
	}
	return nil, attempts, ""
}

// allowProvider consults the breaker and records the rejection when closed
// off. The state gauge is refreshed on every decision.
func (e *Engine) allowProvider(ctx context.Context, provider string) bool {
	allowed, state := e.brk.Allow(ctx, provider)
	if e.metrics != nil {
		e.metrics.SetCircuitBreaker(provider, int64(state))
		e.metrics.SetProviderHealth(provider, state == breaker.StateClosed)
		if !allowed {
			e.metrics.RecordCircuitBreakerRejection(provider)
		}
	}
	return allowed
}

// feedBreaker records the attempt outcome. Only infrastructure failures count
// against the breaker; auth, quota, rate-limit, and bad-request outcomes are
// key- or request-scoped.
func (e *Engine) feedBreaker(ctx context.Context, provider string, outcome providers.Outcome) {
	switch outcome {
	case providers.OutcomeOK:
		e.brk.RecordSuccess(ctx, provider)
	case providers.OutcomeServerError, providers.OutcomeTimeout, providers.OutcomeNetworkError:
		e.brk.RecordFailure(ctx, provider)
	}
}

func (e *Engine) recordFallback(alias string, reason providers.Outcome) {
	if e.metrics != nil {
		e.metrics.RecordFallback(alias, string(reason))
	}
}

// applyOverride merges the mapping override into the request. Client values
// win unless the mapping marks the override as forced; unset client fields
// (zero values) always take the override.
func applyOverride(req *providers.ChatRequest, o store.Override) {
	if o.Temperature != nil && (o.Forced || req.Temperature == 0) {
		req.Temperature = *o.Temperature
	}
	if o.MaxTokens != nil && (o.Forced || req.MaxTokens == 0) {
		req.MaxTokens = *o.MaxTokens
	}
	if o.TopP != nil && (o.Forced || req.TopP == 0) {
		req.TopP = *o.TopP
	}
}

// classify normalizes an adapter error into an outcome plus a client-safe
// message.
func classify(err error) (providers.Outcome, time.Duration, string) {
	if err == nil {
		return providers.OutcomeOK, 0, ""
	}
	var perr *providers.Error
	if errors.As(err, &perr) {
		return perr.Outcome, perr.RetryAfter, perr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.OutcomeTimeout, 0, "upstream request timed out"
	}
	return providers.OutcomeNetworkError, 0, err.Error()
}

func keyless(providerType string) bool {
	return providerType == store.TypeOllama || providerType == store.TypeMock
}

// backoff returns the full-jitter delay before retry number try (1-based).
func backoff(try int) time.Duration {
	d := backoffBase << (try - 1)
	if d > backoffCap {
		d = backoffCap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
