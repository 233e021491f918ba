// Package router resolves client-visible model aliases to ordered candidate
// lists (provider + provider-native model + overrides).
//
// Resolution hits the configuration store through a small TTL cache so the
// hot path does not run a join per request. Admin mutations call Invalidate
// to drop the cache immediately.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keygateio/keygate/internal/store"
)

// DefaultTTL is the mapping cache lifetime when none is configured.
const DefaultTTL = 5 * time.Second

// Candidate is one resolved dispatch target for an alias.
type Candidate struct {
	Provider *store.Provider
	Mapping  *store.ModelMapping
}

// ErrUnknownModel reports an alias with no enabled mapping.
type ErrUnknownModel struct {
	Alias string
}

func (e *ErrUnknownModel) Error() string {
	return fmt.Sprintf("model %q not found", e.Alias)
}

type cacheEntry struct {
	candidates []Candidate
	expires    time.Time
}

// Router resolves aliases against the store.
type Router struct {
	store *store.Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// New creates a Router with the given cache TTL (0 → DefaultTTL).
func New(st *store.Store, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Router{
		store: st,
		ttl:   ttl,
		cache: make(map[string]*cacheEntry),
	}
}

// Resolve returns the ordered candidate list for an alias: the default
// mapping first, then fallbacks by ascending order index. Candidates whose
// provider is disabled never appear. An unknown alias yields ErrUnknownModel.
func (r *Router) Resolve(_ context.Context, alias string) ([]Candidate, error) {
	r.mu.RLock()
	entry := r.cache[alias]
	r.mu.RUnlock()
	if entry != nil && time.Now().Before(entry.expires) {
		if len(entry.candidates) == 0 {
			return nil, &ErrUnknownModel{Alias: alias}
		}
		return entry.candidates, nil
	}

	mappings, err := r.store.MappingsForAlias(alias)
	if err != nil {
		return nil, fmt.Errorf("router: resolve %q: %w", alias, err)
	}

	candidates := make([]Candidate, 0, len(mappings))
	for i := range mappings {
		m := &mappings[i]
		p, err := r.store.GetProvider(m.ProviderID)
		if err != nil {
			continue // mapping points at a deleted provider
		}
		candidates = append(candidates, Candidate{Provider: p, Mapping: m})
	}

	r.mu.Lock()
	r.cache[alias] = &cacheEntry{candidates: candidates, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, &ErrUnknownModel{Alias: alias}
	}
	return candidates, nil
}

// Aliases returns the client-visible model list (GET /v1/models).
func (r *Router) Aliases(_ context.Context) ([]string, error) {
	return r.store.ListAliases()
}

// Invalidate drops the cache. Admin mutations call this so routing changes
// take effect immediately instead of after TTL expiry.
func (r *Router) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*cacheEntry)
	r.mu.Unlock()
}
