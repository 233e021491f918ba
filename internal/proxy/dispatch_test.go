package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygateio/keygate/internal/breaker"
	"github.com/keygateio/keygate/internal/keyselect"
	"github.com/keygateio/keygate/internal/metrics"
	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/providers/mockprov"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/router"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

type scriptedFactory struct {
	mocks map[uint]providers.Adapter
}

func (f *scriptedFactory) Adapter(p *store.Provider) (providers.Adapter, error) {
	a, ok := f.mocks[p.ID]
	if !ok {
		return nil, fmt.Errorf("no adapter scripted for provider %d", p.ID)
	}
	return a, nil
}

type testEnv struct {
	store    *store.Store
	vault    *vault.Vault
	limiter  *ratelimit.Limiter
	breaker  breaker.Breaker
	selector *keyselect.Selector
	router   *router.Router
	metrics  *metrics.Registry
	factory  *scriptedFactory
	engine   *Engine
	rdb      *redis.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v, err := vault.New(testMasterKey)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	lim := ratelimit.New(rdb, time.Minute, ratelimit.Limits{})
	brk := breaker.NewMemory(breaker.Config{FailureThreshold: 2, Window: time.Minute, OpenDuration: 30 * time.Second})
	sel := keyselect.New(st, lim, rdb, keyselect.StrategyPriority, 3)
	rt := router.New(st, time.Hour)
	m := metrics.New()
	f := &scriptedFactory{mocks: make(map[uint]providers.Adapter)}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(rt, brk, sel, v, lim, f, EngineOptions{Logger: log, Metrics: m})
	e.sleep = func(context.Context, time.Duration) {} // no backoff in tests

	return &testEnv{
		store: st, vault: v, limiter: lim, breaker: brk,
		selector: sel, router: rt, metrics: m, factory: f,
		engine: e, rdb: rdb,
	}
}

func (env *testEnv) addProvider(t *testing.T, name string) (*store.Provider, *mockprov.Adapter) {
	t.Helper()
	p := &store.Provider{Name: name, Type: store.TypeMock, Status: store.ProviderEnabled}
	if err := env.store.CreateProvider(p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	mock := mockprov.New()
	env.factory.mocks[p.ID] = mock
	return p, mock
}

func (env *testEnv) addKey(t *testing.T, providerID uint, keyID, secret string, priority int) *store.APIKey {
	t.Helper()
	ct, err := env.vault.Seal(secret)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	k := &store.APIKey{
		ProviderID: providerID,
		KeyID:      keyID,
		Ciphertext: ct,
		Masked:     vault.Mask(secret),
		Priority:   priority,
		Status:     store.KeyActive,
	}
	if err := env.store.CreateKey(k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	return k
}

func (env *testEnv) addMapping(t *testing.T, alias string, providerID uint, model string, order int, isDefault bool) {
	t.Helper()
	env.addMappingOverride(t, alias, providerID, model, order, isDefault, store.Override{})
}

func (env *testEnv) addMappingOverride(t *testing.T, alias string, providerID uint, model string, order int, isDefault bool, o store.Override) {
	t.Helper()
	m := &store.ModelMapping{
		Alias: alias, ProviderID: providerID, ProviderModel: model,
		OrderIndex: order, IsDefault: isDefault, Override: o,
	}
	if err := env.store.CreateMapping(m); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
}

func chatReq(stream bool) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:    "gpt-4",
		Messages: []providers.Message{{Role: "user", Content: "hello there"}},
		Stream:   stream,
	}
}

// counterValue reads one sample out of the private registry.
func counterValue(t *testing.T, reg *metrics.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, want := range labels {
				found := false
				for _, l := range m.GetLabel() {
					if l.GetName() == k && l.GetValue() == want {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestDispatch_Success(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Resp.Content != "echo: hello there" {
		t.Errorf("unexpected content %q", res.Resp.Content)
	}
	if res.Provider != "primary" || res.Model != "mock-large" {
		t.Errorf("served by %s/%s", res.Provider, res.Model)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != providers.OutcomeOK {
		t.Errorf("attempts = %+v", res.Attempts)
	}
	if mock.Calls() != 1 {
		t.Errorf("adapter called %d times", mock.Calls())
	}
	if got := counterValue(t, env.metrics, "provider_requests_total",
		map[string]string{"provider": "primary", "model": "mock-large", "outcome": "ok"}); got != 1 {
		t.Errorf("provider_requests_total = %v", got)
	}
}

func TestDispatch_UnknownModel(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Dispatch(context.Background(), "nope", chatReq(false))
	var unknown *router.ErrUnknownModel
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestDispatch_AuthFailureFallsThroughToNextKey(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	k1 := env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	k2 := env.addKey(t, p.ID, "key-2", "sk-test-bbbb2222", 2)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	// The high-priority key is dead; the same request must retry with the
	// lower-priority key and succeed.
	mock.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeAuthFailed, StatusCode: 401, Message: "invalid api key",
	}})

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.KeyMasked != k2.Masked {
		t.Errorf("served with key %q, want %q", res.KeyMasked, k2.Masked)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	if res.Attempts[0].KeyMasked != k1.Masked || res.Attempts[0].Outcome != providers.OutcomeAuthFailed {
		t.Errorf("first attempt = %+v", res.Attempts[0])
	}
	if res.Attempts[1].KeyMasked != k2.Masked || res.Attempts[1].Outcome != providers.OutcomeOK {
		t.Errorf("second attempt = %+v", res.Attempts[1])
	}
}

func TestDispatch_AuthFailureExhaustsAllKeys(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	k1 := env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	k2 := env.addKey(t, p.ID, "key-2", "sk-test-bbbb2222", 2)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	authErr := &providers.Error{Outcome: providers.OutcomeAuthFailed, StatusCode: 401, Message: "invalid api key"}
	mock.Enqueue(
		mockprov.Result{Err: authErr},
		mockprov.Result{Err: authErr},
	)

	_, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	// Each key is tried exactly once, then the pool is empty.
	if mock.Calls() != 2 {
		t.Errorf("upstream calls = %d, want 2", mock.Calls())
	}
	a := exhausted.Attempts
	if len(a) != 3 ||
		a[0].KeyMasked != k1.Masked || a[0].Outcome != providers.OutcomeAuthFailed ||
		a[1].KeyMasked != k2.Masked || a[1].Outcome != providers.OutcomeAuthFailed ||
		a[2].Outcome != providers.OutcomeNoKey {
		t.Errorf("attempt chain = %+v", a)
	}
}

func TestDispatch_KeyDemotionAfterAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	k2 := env.addKey(t, p.ID, "key-2", "sk-test-bbbb2222", 2)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	authErr := &providers.Error{Outcome: providers.OutcomeAuthFailed, StatusCode: 401, Message: "invalid api key"}

	// Three requests in a row hit the dead key first and fall through to
	// key-2; the third consecutive auth failure demotes key-1 in the store.
	for i := 0; i < 3; i++ {
		mock.Enqueue(mockprov.Result{Err: authErr})
		res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if res.KeyMasked != k2.Masked {
			t.Fatalf("request %d served with key %q", i+1, res.KeyMasked)
		}
	}

	keys, _ := env.store.ListKeys(p.ID)
	byID := map[string]string{}
	for _, k := range keys {
		byID[k.KeyID] = k.Status
	}
	if byID["key-1"] != store.KeyFailed {
		t.Errorf("key-1 status = %q, want failed", byID["key-1"])
	}
	if byID["key-2"] != store.KeyActive {
		t.Errorf("key-2 status = %q, want active", byID["key-2"])
	}

	// The demoted key no longer appears in the pool at all.
	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch after demotion: %v", err)
	}
	if len(res.Attempts) != 1 || res.KeyMasked != k2.Masked {
		t.Errorf("attempts = %+v, key = %q", res.Attempts, res.KeyMasked)
	}
}

func TestDispatch_ProviderFailover(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, mockB := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	mockA.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeServerError, StatusCode: 500, Message: "upstream exploded",
	}})

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "providerB" {
		t.Errorf("served by %q, want providerB", res.Provider)
	}
	if len(res.Attempts) != 2 ||
		res.Attempts[0].Outcome != providers.OutcomeServerError ||
		res.Attempts[1].Outcome != providers.OutcomeOK {
		t.Errorf("attempt chain = %+v", res.Attempts)
	}
	if mockA.Calls() != 1 || mockB.Calls() != 1 {
		t.Errorf("calls A=%d B=%d", mockA.Calls(), mockB.Calls())
	}
	if got := counterValue(t, env.metrics, "fallbacks_total",
		map[string]string{"alias": "gpt-4", "reason": "server_error"}); got != 1 {
		t.Errorf("fallbacks_total = %v", got)
	}
}

func TestDispatch_CircuitOpenSkipsProvider(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)

	// Trip the breaker (threshold 2 in the test config).
	ctx := context.Background()
	env.breaker.RecordFailure(ctx, "providerA")
	env.breaker.RecordFailure(ctx, "providerA")

	_, err := env.engine.Dispatch(ctx, "gpt-4", chatReq(false))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if len(exhausted.Attempts) != 1 || exhausted.Attempts[0].Outcome != providers.OutcomeCircuitOpen {
		t.Errorf("attempts = %+v", exhausted.Attempts)
	}
	if mockA.Calls() != 0 {
		t.Errorf("open breaker still let %d calls through", mockA.Calls())
	}
	if got := counterValue(t, env.metrics, "gateway_circuit_breaker_rejections_total",
		map[string]string{"provider": "providerA"}); got != 1 {
		t.Errorf("rejections = %v", got)
	}
}

func TestDispatch_CircuitOpenFallsBack(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, _ := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	ctx := context.Background()
	env.breaker.RecordFailure(ctx, "providerA")
	env.breaker.RecordFailure(ctx, "providerA")

	res, err := env.engine.Dispatch(ctx, "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "providerB" {
		t.Errorf("served by %q", res.Provider)
	}
	if mockA.Calls() != 0 {
		t.Errorf("skipped provider was called %d times", mockA.Calls())
	}
	if got := counterValue(t, env.metrics, "fallbacks_total",
		map[string]string{"alias": "gpt-4", "reason": "circuit_open"}); got != 1 {
		t.Errorf("fallbacks_total = %v", got)
	}
}

func TestDispatch_BadRequestIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, mockB := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	mockA.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeBadRequest, StatusCode: 400,
		Message: "max_tokens is too large",
	}})

	_, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if terminal.Message != "max_tokens is too large" {
		t.Errorf("message = %q", terminal.Message)
	}
	if mockB.Calls() != 0 {
		t.Errorf("bad request still hit the fallback provider %d times", mockB.Calls())
	}
}

func TestDispatch_RateLimitedAdvancesAndCoolsDown(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, _ := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	mockA.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeRateLimited, StatusCode: 429,
		Message: "slow down", RetryAfter: 5 * time.Second,
	}})

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "providerB" {
		t.Errorf("served by %q", res.Provider)
	}
	if mockA.Calls() != 1 {
		t.Errorf("rate-limited provider retried: %d calls", mockA.Calls())
	}
	if cd := env.selector.CooldownUntil("key-a"); !cd.After(time.Now()) {
		t.Errorf("rate-limited key has no cooldown")
	}
}

func TestDispatch_UpstreamKeyBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	ct, err := env.vault.Seal("sk-test-aaaa1111")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := env.store.CreateKey(&store.APIKey{
		ProviderID: p.ID,
		KeyID:      "key-1",
		Ciphertext: ct,
		Masked:     vault.Mask("sk-test-aaaa1111"),
		Priority:   1,
		RPMLimit:   1,
		Status:     store.KeyActive,
	}); err != nil {
		t.Fatalf("create key: %v", err)
	}
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	// First request consumes the key's only budget slot.
	if _, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false)); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	_, err = env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if mock.Calls() != 1 {
		t.Errorf("budget-exhausted key still reached the upstream: %d calls", mock.Calls())
	}
}

func TestDispatch_StreamingCommitsToOneUpstream(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, mockB := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	mockA.Enqueue(mockprov.Result{Chunks: []string{"Hello", " world"}})

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(true))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Resp.Stream == nil {
		t.Fatal("expected a stream")
	}

	var sb strings.Builder
	for chunk := range res.Resp.Stream {
		sb.WriteString(chunk.Content)
	}
	if res.Cancel != nil {
		res.Cancel()
	}
	if sb.String() != "Hello world" {
		t.Errorf("stream content = %q", sb.String())
	}
	// Once the first provider's stream is established no other provider is
	// touched.
	if mockB.Calls() != 0 {
		t.Errorf("fallback provider received %d calls during a committed stream", mockB.Calls())
	}
}

func TestDispatch_StreamEstablishmentFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, _ := env.addProvider(t, "providerB")
	env.addKey(t, pa.ID, "key-a", "sk-test-aaaa1111", 1)
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	// A fails before any byte is produced, so fallback is still legal.
	mockA.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeServerError, StatusCode: 503, Message: "overloaded",
	}})

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(true))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "providerB" {
		t.Errorf("served by %q", res.Provider)
	}
	if mockA.Calls() != 1 {
		t.Errorf("A called %d times", mockA.Calls())
	}
	for range res.Resp.Stream {
	}
	if res.Cancel != nil {
		res.Cancel()
	}
}

func TestDispatch_OverrideMerge(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)

	temp := 0.5
	maxTok := 512
	env.addMappingOverride(t, "tuned", p.ID, "mock-large", 0, true,
		store.Override{Temperature: &temp, MaxTokens: &maxTok})

	// Client-set values win over a non-forced override.
	req := chatReq(false)
	req.Temperature = 0.9
	if _, err := env.engine.Dispatch(context.Background(), "tuned", req); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := mock.LastRequest()
	if got.Temperature != 0.9 {
		t.Errorf("temperature = %v, want client value 0.9", got.Temperature)
	}
	if got.MaxTokens != 512 {
		t.Errorf("max_tokens = %v, want override 512", got.MaxTokens)
	}

	// A forced override wins over the client.
	forced := 0.1
	env.addMappingOverride(t, "pinned", p.ID, "mock-large", 0, true,
		store.Override{Temperature: &forced, Forced: true})
	req2 := chatReq(false)
	req2.Temperature = 0.9
	if _, err := env.engine.Dispatch(context.Background(), "pinned", req2); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := mock.LastRequest(); got.Temperature != 0.1 {
		t.Errorf("temperature = %v, want forced 0.1", got.Temperature)
	}
}

func TestDispatch_NoKeyAdvances(t *testing.T) {
	env := newTestEnv(t)
	pa, mockA := env.addProvider(t, "providerA")
	pb, _ := env.addProvider(t, "providerB")
	// providerA is openai-typed so it is not keyless, and has no keys.
	pa.Type = store.TypeOpenAI
	if err := env.store.UpdateProvider(pa); err != nil {
		t.Fatalf("update provider: %v", err)
	}
	_ = mockA
	env.addKey(t, pb.ID, "key-b", "sk-test-bbbb2222", 1)
	env.addMapping(t, "gpt-4", pa.ID, "model-a", 0, true)
	env.addMapping(t, "gpt-4", pb.ID, "model-b", 1, false)

	res, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Provider != "providerB" {
		t.Errorf("served by %q", res.Provider)
	}
	if res.Attempts[0].Outcome != providers.OutcomeNoKey {
		t.Errorf("first attempt = %+v", res.Attempts[0])
	}
	if got := counterValue(t, env.metrics, "fallbacks_total",
		map[string]string{"alias": "gpt-4", "reason": "no_key"}); got != 1 {
		t.Errorf("fallbacks_total = %v", got)
	}
}

func TestDispatch_SanitizesSecretsInMessages(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	secret := "sk-test-super-secret-1234"
	env.addKey(t, p.ID, "key-1", secret, 1)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	mock.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeBadRequest, StatusCode: 400,
		Message: "upstream rejected credential " + secret,
	}})

	_, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if strings.Contains(terminal.Message, secret) {
		t.Fatalf("unsealed secret leaked into the client-visible message: %q", terminal.Message)
	}
	if !strings.Contains(terminal.Message, vault.Mask(secret)) {
		t.Errorf("expected masked form in message, got %q", terminal.Message)
	}
}

func TestDispatch_SanitizesCiphertextInMessages(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	k := env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	// The stored ciphertext is as sensitive as the cleartext: anyone holding
	// the master key can unseal it.
	mock.Enqueue(mockprov.Result{Err: &providers.Error{
		Outcome: providers.OutcomeBadRequest, StatusCode: 400,
		Message: "rejected credential " + k.Ciphertext,
	}})

	_, err := env.engine.Dispatch(context.Background(), "gpt-4", chatReq(false))
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if strings.Contains(terminal.Message, k.Ciphertext) {
		t.Fatalf("ciphertext leaked into the client-visible message: %q", terminal.Message)
	}
}

func TestDispatch_ExpiredDeadlineMakesNoUpstreamCall(t *testing.T) {
	env := newTestEnv(t)
	p, mock := env.addProvider(t, "primary")
	env.addKey(t, p.ID, "key-1", "sk-test-aaaa1111", 1)
	env.addMapping(t, "gpt-4", p.ID, "mock-large", 0, true)

	// Warm the mapping cache so resolution itself needs no store round-trip.
	if _, err := env.router.Resolve(context.Background(), "gpt-4"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := env.engine.Dispatch(ctx, "gpt-4", chatReq(false))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if len(exhausted.Attempts) != 0 {
		t.Errorf("attempts = %+v, want none", exhausted.Attempts)
	}
	if mock.Calls() != 0 {
		t.Errorf("expired deadline still reached the upstream: %d calls", mock.Calls())
	}
}
