package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/keygateio/keygate/internal/providers"
	"github.com/keygateio/keygate/internal/providers/anthropic"
	"github.com/keygateio/keygate/internal/providers/mockprov"
	"github.com/keygateio/keygate/internal/providers/ollama"
	"github.com/keygateio/keygate/internal/providers/openai"
	"github.com/keygateio/keygate/internal/providers/openaicompat"
	"github.com/keygateio/keygate/internal/store"
)

// AdapterCache builds adapters from provider records and reuses them while
// the record's connection-relevant fields are unchanged, so each provider
// keeps one HTTP connection pool.
type AdapterCache struct {
	mu    sync.Mutex
	cache map[uint]cachedAdapter
}

type cachedAdapter struct {
	adapter providers.Adapter
	typ     string
	baseURL string
	timeout int
}

func NewAdapterCache() *AdapterCache {
	return &AdapterCache{cache: make(map[uint]cachedAdapter)}
}

// Adapter implements AdapterFactory.
func (c *AdapterCache) Adapter(p *store.Provider) (providers.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[p.ID]; ok &&
		cached.typ == p.Type && cached.baseURL == p.BaseURL && cached.timeout == p.TimeoutMS {
		return cached.adapter, nil
	}

	adapter, err := buildAdapter(p)
	if err != nil {
		return nil, err
	}
	c.cache[p.ID] = cachedAdapter{
		adapter: adapter,
		typ:     p.Type,
		baseURL: p.BaseURL,
		timeout: p.TimeoutMS,
	}
	return adapter, nil
}

// Invalidate drops the cached adapter for a provider (admin delete).
func (c *AdapterCache) Invalidate(providerID uint) {
	c.mu.Lock()
	delete(c.cache, providerID)
	c.mu.Unlock()
}

func buildAdapter(p *store.Provider) (providers.Adapter, error) {
	// The SDK-level timeout is a backstop; the engine clamps each attempt
	// with its own context deadline.
	timeout := providers.DefaultTimeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}

	switch p.Type {
	case store.TypeOpenAI:
		if p.BaseURL != "" {
			return openai.New(timeout, openai.WithBaseURL(p.BaseURL)), nil
		}
		return openai.New(timeout), nil

	case store.TypeAnthropic:
		if p.BaseURL != "" {
			return anthropic.New(timeout, anthropic.WithBaseURL(p.BaseURL)), nil
		}
		return anthropic.New(timeout), nil

	case store.TypeOllama:
		return ollama.New(p.BaseURL, timeout), nil

	case store.TypeCustomHTTP:
		if p.BaseURL == "" {
			return nil, fmt.Errorf("proxy: provider %q: custom-http requires a base_url", p.Name)
		}
		return openaicompat.New(p.BaseURL, timeout), nil

	case store.TypeMock:
		return mockprov.New(), nil

	default:
		return nil, fmt.Errorf("proxy: provider %q: unknown type %q", p.Name, p.Type)
	}
}
