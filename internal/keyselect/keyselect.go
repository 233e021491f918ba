// Package keyselect picks one upstream API key per dispatch attempt and
// tracks per-key health locally.
//
// Eligibility filters out non-active keys, keys in local cooldown, and keys
// over their request or token budget. The survivor pool is ordered by the
// configured strategy; health observations after each call feed demotion
// (auth/quota failures) and cooldown (upstream rate limits).
package keyselect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/store"
)

// Selection strategies.
const (
	StrategyPriority   = "priority"
	StrategyRoundRobin = "round_robin"
	StrategyLeastUsed  = "least_used"
)

// ErrNoKey is returned when no eligible key exists for a provider.
var ErrNoKey = errors.New("keyselect: no eligible key")

// DefaultFailureThreshold demotes a key to failed after this many
// consecutive auth/quota errors.
const DefaultFailureThreshold = 3

const maxCooldown = 60 * time.Second

// keyHealth is the per-process health record for one key.
type keyHealth struct {
	consecutive   int
	cooldownUntil time.Time
	lastOutcome   providers.Outcome
}

// Selector picks keys for providers and ingests call outcomes.
type Selector struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	rdb      *redis.Client // round-robin cursors; nil falls back to priority
	strategy string

	failThreshold int

	mu     sync.Mutex
	health map[string]*keyHealth
}

// New creates a Selector. limiter and rdb may be nil (budget checks and
// round-robin cursors are then skipped).
func New(st *store.Store, limiter *ratelimit.Limiter, rdb *redis.Client, strategy string, failThreshold int) *Selector {
	if failThreshold <= 0 {
		failThreshold = DefaultFailureThreshold
	}
	switch strategy {
	case StrategyPriority, StrategyRoundRobin, StrategyLeastUsed:
	default:
		strategy = StrategyPriority
	}
	return &Selector{
		store:         st,
		limiter:       limiter,
		rdb:           rdb,
		strategy:      strategy,
		failThreshold: failThreshold,
		health:        make(map[string]*keyHealth),
	}
}

// Pick returns one eligible key for the provider, having consumed one slot
// of the key's own RPM budget. ErrNoKey when the pool is empty.
func (s *Selector) Pick(ctx context.Context, providerID uint) (*store.APIKey, error) {
	return s.PickExcluding(ctx, providerID, nil)
}

// PickExcluding is Pick minus the given key IDs. The dispatch engine passes
// the keys already tried for the current request, so a dead high-priority key
// cannot absorb every retry while a healthy lower-priority key sits idle.
func (s *Selector) PickExcluding(ctx context.Context, providerID uint, exclude map[string]struct{}) (*store.APIKey, error) {
	keys, err := s.store.ActiveKeys(providerID)
	if err != nil {
		return nil, fmt.Errorf("keyselect: %w", err)
	}

	eligible := s.filter(ctx, keys, exclude)
	if len(eligible) == 0 {
		return nil, ErrNoKey
	}

	ordered := s.order(ctx, providerID, eligible)

	// The chosen key must also have request budget left; walk the ordering
	// until one does.
	for i := range ordered {
		k := &ordered[i]
		if s.limiter != nil && !s.limiter.AllowUpstreamKey(ctx, k.KeyID, k.RPMLimit) {
			continue
		}
		return k, nil
	}
	return nil, ErrNoKey
}

func (s *Selector) filter(ctx context.Context, keys []store.APIKey, exclude map[string]struct{}) []store.APIKey {
	now := time.Now()
	out := make([]store.APIKey, 0, len(keys))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if _, skip := exclude[k.KeyID]; skip {
			continue
		}
		if h := s.health[k.KeyID]; h != nil && h.cooldownUntil.After(now) {
			continue
		}
		if s.limiter != nil && s.limiter.BudgetExceeded(ctx, k.KeyID, k.TPMLimit, k.DailyQuota) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (s *Selector) order(ctx context.Context, providerID uint, keys []store.APIKey) []store.APIKey {
	switch s.strategy {
	case StrategyRoundRobin:
		if rotated, ok := s.rotate(ctx, providerID, keys); ok {
			return rotated
		}
		// Cursor unavailable — fall back to priority order.
		return s.byPriority(keys)

	case StrategyLeastUsed:
		if s.limiter == nil {
			return s.byPriority(keys)
		}
		sort.SliceStable(keys, func(i, j int) bool {
			return s.limiter.UsageCount(ctx, keys[i].KeyID) < s.limiter.UsageCount(ctx, keys[j].KeyID)
		})
		return keys

	default:
		return s.byPriority(keys)
	}
}

// byPriority sorts by priority ascending, ties broken by least-recently-used
// (never-used keys first).
func (s *Selector) byPriority(keys []store.APIKey) []store.APIKey {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Priority != keys[j].Priority {
			return keys[i].Priority < keys[j].Priority
		}
		ti, tj := keys[i].LastUsedAt, keys[j].LastUsedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	return keys
}

// rotate advances the provider's shared cursor and returns the pool starting
// at the cursor position, wrapping once over the eligible set.
func (s *Selector) rotate(ctx context.Context, providerID uint, keys []store.APIKey) ([]store.APIKey, bool) {
	if s.rdb == nil || len(keys) == 0 {
		return nil, false
	}
	cursor, err := s.rdb.Incr(ctx, fmt.Sprintf("rr:provider:%d", providerID)).Result()
	if err != nil {
		return nil, false
	}
	start := int(cursor % int64(len(keys)))
	out := make([]store.APIKey, 0, len(keys))
	for i := 0; i < len(keys); i++ {
		out = append(out, keys[(start+i)%len(keys)])
	}
	return out, true
}

// Observe feeds the outcome of one upstream attempt back into key health.
// Reports whether this observation demoted the key to failed.
func (s *Selector) Observe(ctx context.Context, key *store.APIKey, outcome providers.Outcome, retryAfter time.Duration) bool {
	s.mu.Lock()
	h := s.health[key.KeyID]
	if h == nil {
		h = &keyHealth{}
		s.health[key.KeyID] = h
	}
	h.lastOutcome = outcome

	switch outcome {
	case providers.OutcomeOK:
		h.consecutive = 0
		s.mu.Unlock()
		_ = s.store.RecordKeySuccess(key.KeyID)

	case providers.OutcomeAuthFailed, providers.OutcomeQuotaExhausted:
		h.consecutive++
		demote := h.consecutive >= s.failThreshold
		s.mu.Unlock()
		_ = s.store.RecordKeyFailure(key.KeyID, s.failThreshold)
		if demote {
			// Evicted until manual reset; the store row is the source of truth.
			_ = s.store.SetKeyStatus(key.KeyID, store.KeyFailed)
		}
		return demote

	case providers.OutcomeRateLimited:
		cd := retryAfter
		if cd <= 0 || cd > maxCooldown {
			cd = maxCooldown
		}
		h.cooldownUntil = time.Now().Add(cd)
		s.mu.Unlock()

	case providers.OutcomeServerError, providers.OutcomeTimeout, providers.OutcomeNetworkError:
		h.consecutive++
		s.mu.Unlock()
		// Infrastructure failures never demote on their own.
		_ = s.store.RecordKeyFailure(key.KeyID, 0)

	default:
		s.mu.Unlock()
	}
	return false
}

// Unkeyed reports whether the provider has no active keys at all, as opposed
// to keys that are currently filtered out by cooldown or budget.
func (s *Selector) Unkeyed(_ context.Context, providerID uint) bool {
	keys, err := s.store.ActiveKeys(providerID)
	return err == nil && len(keys) == 0
}

// CooldownUntil reports a key's local cooldown deadline (zero when none).
func (s *Selector) CooldownUntil(keyID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.health[keyID]; h != nil {
		return h.cooldownUntil
	}
	return time.Time{}
}
