package keyselect_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygateio/keygate/internal/keyselect"
	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return rdb
}

func seedKeys(t *testing.T, st *store.Store, providerID uint, specs ...store.APIKey) {
	t.Helper()
	for i := range specs {
		k := specs[i]
		k.ProviderID = providerID
		if k.Status == "" {
			k.Status = store.KeyActive
		}
		if err := st.CreateKey(&k); err != nil {
			t.Fatalf("seed key %s: %v", k.KeyID, err)
		}
	}
}

func TestPick_PriorityOrder(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "low", Priority: 50},
		store.APIKey{KeyID: "high", Priority: 10},
		store.APIKey{KeyID: "mid", Priority: 20},
	)

	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	k, err := sel.Pick(context.Background(), 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "high" {
		t.Errorf("expected highest-priority key, got %s", k.KeyID)
	}
}

func TestPick_PriorityTieBreaksLeastRecentlyUsed(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "a", Priority: 10},
		store.APIKey{KeyID: "b", Priority: 10},
	)
	// "a" was used; "b" never. The tie goes to the never-used key.
	if err := st.RecordKeySuccess("a"); err != nil {
		t.Fatal(err)
	}

	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	k, err := sel.Pick(context.Background(), 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "b" {
		t.Errorf("expected least-recently-used key on tie, got %s", k.KeyID)
	}
}

func TestPick_SkipsInactiveKeys(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "dead", Priority: 1, Status: store.KeyFailed},
		store.APIKey{KeyID: "off", Priority: 2, Status: store.KeyDisabled},
		store.APIKey{KeyID: "ok", Priority: 3},
	)

	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	k, err := sel.Pick(context.Background(), 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "ok" {
		t.Errorf("expected the only active key, got %s", k.KeyID)
	}
}

func TestPick_NoEligibleKey(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1, store.APIKey{KeyID: "dead", Status: store.KeyFailed})

	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	if _, err := sel.Pick(context.Background(), 1); err != keyselect.ErrNoKey {
		t.Errorf("expected ErrNoKey, got %v", err)
	}
}

func TestPickExcluding_SkipsTriedKeys(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "first", Priority: 10},
		store.APIKey{KeyID: "second", Priority: 20},
	)

	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	ctx := context.Background()

	tried := make(map[string]struct{})
	k, err := sel.PickExcluding(ctx, 1, tried)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "first" {
		t.Fatalf("got %s, want first", k.KeyID)
	}
	tried[k.KeyID] = struct{}{}

	// The same request must not be handed the key it already tried.
	k, err = sel.PickExcluding(ctx, 1, tried)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "second" {
		t.Fatalf("got %s, want second", k.KeyID)
	}
	tried[k.KeyID] = struct{}{}

	if _, err := sel.PickExcluding(ctx, 1, tried); err != keyselect.ErrNoKey {
		t.Errorf("expected ErrNoKey once every key was tried, got %v", err)
	}
}

func TestPick_RoundRobinRotates(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "k1", Priority: 10},
		store.APIKey{KeyID: "k2", Priority: 10},
		store.APIKey{KeyID: "k3", Priority: 10},
	)

	sel := keyselect.New(st, nil, rdb, keyselect.StrategyRoundRobin, 0)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		k, err := sel.Pick(context.Background(), 1)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		seen[k.KeyID]++
	}
	for _, id := range []string{"k1", "k2", "k3"} {
		if seen[id] != 2 {
			t.Errorf("round robin skew: %v", seen)
			break
		}
	}
}

func TestPick_RoundRobinFallsBackWithoutCursor(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "first", Priority: 1},
		store.APIKey{KeyID: "second", Priority: 2},
	)

	// No Redis client: every pick falls back to priority order.
	sel := keyselect.New(st, nil, nil, keyselect.StrategyRoundRobin, 0)
	for i := 0; i < 3; i++ {
		k, err := sel.Pick(context.Background(), 1)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if k.KeyID != "first" {
			t.Errorf("expected priority fallback, got %s", k.KeyID)
		}
	}
}

func TestPick_LeastUsed(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	limiter := ratelimit.New(rdb, time.Minute, ratelimit.Limits{})
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "busy", Priority: 1},
		store.APIKey{KeyID: "idle", Priority: 2},
	)

	ctx := context.Background()
	// Drive usage onto "busy" through its own RPM window.
	for i := 0; i < 5; i++ {
		limiter.AllowUpstreamKey(ctx, "busy", 100)
	}

	sel := keyselect.New(st, limiter, rdb, keyselect.StrategyLeastUsed, 0)
	k, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "idle" {
		t.Errorf("expected least-used key, got %s", k.KeyID)
	}
}

func TestPick_SkipsKeyOverRPMBudget(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	limiter := ratelimit.New(rdb, time.Minute, ratelimit.Limits{})
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "tiny", Priority: 1, RPMLimit: 2},
		store.APIKey{KeyID: "big", Priority: 2},
	)

	ctx := context.Background()
	sel := keyselect.New(st, limiter, rdb, keyselect.StrategyPriority, 0)

	for i := 0; i < 2; i++ {
		k, err := sel.Pick(ctx, 1)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if k.KeyID != "tiny" {
			t.Fatalf("pick %d: expected tiny, got %s", i, k.KeyID)
		}
	}

	// tiny's budget is spent; the walk moves on.
	k, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick after budget: %v", err)
	}
	if k.KeyID != "big" {
		t.Errorf("expected next key after budget exhaustion, got %s", k.KeyID)
	}
}

func TestPick_SkipsKeyOverTokenBudget(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)
	limiter := ratelimit.New(rdb, time.Minute, ratelimit.Limits{})
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "capped", Priority: 1, TPMLimit: 100},
		store.APIKey{KeyID: "open", Priority: 2},
	)

	ctx := context.Background()
	limiter.ChargeTokens(ctx, "capped", 150)

	sel := keyselect.New(st, limiter, rdb, keyselect.StrategyPriority, 0)
	k, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if k.KeyID != "open" {
		t.Errorf("expected key with budget left, got %s", k.KeyID)
	}
}

func TestObserve_AuthFailuresDemoteAtThreshold(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "bad", Priority: 1},
		store.APIKey{KeyID: "good", Priority: 2},
	)

	ctx := context.Background()
	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 3)

	for i := 0; i < 3; i++ {
		k, err := sel.Pick(ctx, 1)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if k.KeyID != "bad" {
			t.Fatalf("pick %d: expected bad before demotion, got %s", i, k.KeyID)
		}
		sel.Observe(ctx, k, providers.OutcomeAuthFailed, 0)
	}

	// Third consecutive auth failure demoted the key in the store.
	k, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick after demotion: %v", err)
	}
	if k.KeyID != "good" {
		t.Errorf("expected failover key, got %s", k.KeyID)
	}

	keys, err := st.ListKeys(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, dbKey := range keys {
		if dbKey.KeyID == "bad" && dbKey.Status != store.KeyFailed {
			t.Errorf("expected bad key demoted, status=%s", dbKey.Status)
		}
	}
}

func TestObserve_SuccessResetsConsecutiveFailures(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1, store.APIKey{KeyID: "flaky", Priority: 1})

	ctx := context.Background()
	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 3)
	k := &store.APIKey{KeyID: "flaky"}

	sel.Observe(ctx, k, providers.OutcomeAuthFailed, 0)
	sel.Observe(ctx, k, providers.OutcomeAuthFailed, 0)
	sel.Observe(ctx, k, providers.OutcomeOK, 0)
	sel.Observe(ctx, k, providers.OutcomeAuthFailed, 0)
	sel.Observe(ctx, k, providers.OutcomeAuthFailed, 0)

	got, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.KeyID != "flaky" {
		t.Errorf("key should still be active after reset, got %s", got.KeyID)
	}
}

func TestObserve_RateLimitedCoolsDown(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1,
		store.APIKey{KeyID: "cooling", Priority: 1},
		store.APIKey{KeyID: "fallback", Priority: 2},
	)

	ctx := context.Background()
	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)

	k, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	sel.Observe(ctx, k, providers.OutcomeRateLimited, 30*time.Second)

	if until := sel.CooldownUntil("cooling"); !until.After(time.Now()) {
		t.Fatal("expected a future cooldown deadline")
	}

	k, err = sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick during cooldown: %v", err)
	}
	if k.KeyID != "fallback" {
		t.Errorf("expected cooldown to hide the key, got %s", k.KeyID)
	}
}

func TestObserve_RateLimitedCooldownIsCapped(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1, store.APIKey{KeyID: "k", Priority: 1})

	ctx := context.Background()
	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 0)
	sel.Observe(ctx, &store.APIKey{KeyID: "k"}, providers.OutcomeRateLimited, time.Hour)

	max := time.Now().Add(61 * time.Second)
	if until := sel.CooldownUntil("k"); until.After(max) {
		t.Errorf("cooldown %v exceeds the cap", time.Until(until))
	}
}

func TestObserve_ServerErrorsDoNotDemote(t *testing.T) {
	st := newTestStore(t)
	seedKeys(t, st, 1, store.APIKey{KeyID: "k", Priority: 1})

	ctx := context.Background()
	sel := keyselect.New(st, nil, nil, keyselect.StrategyPriority, 3)
	k := &store.APIKey{KeyID: "k"}

	for i := 0; i < 10; i++ {
		sel.Observe(ctx, k, providers.OutcomeServerError, 0)
	}

	got, err := sel.Pick(ctx, 1)
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.KeyID != "k" {
		t.Errorf("server errors must not demote, got %s", got.KeyID)
	}
}

func TestPick_ManyKeysStaysFair(t *testing.T) {
	st := newTestStore(t)
	rdb := newTestRedis(t)

	var specs []store.APIKey
	for i := 0; i < 5; i++ {
		specs = append(specs, store.APIKey{KeyID: fmt.Sprintf("k%d", i), Priority: 10})
	}
	seedKeys(t, st, 1, specs...)

	sel := keyselect.New(st, nil, rdb, keyselect.StrategyRoundRobin, 0)
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		k, err := sel.Pick(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		seen[k.KeyID] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected each key visited once per cycle, saw %d", len(seen))
	}
}
