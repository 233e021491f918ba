package breaker

import (
	"context"
	"sync"
	"time"
)

// providerState holds one provider's machine.
type providerState struct {
	mu sync.Mutex

	state        State
	failures     int
	windowStart  time.Time
	openUntil    time.Time
	openDur      time.Duration // current open duration (doubles on failed recovery)
	probesUsed   int
	probesPassed int
}

// MemoryBreaker is the process-local backend. Safe for concurrent use.
type MemoryBreaker struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	cfg       Config
}

// NewMemory creates a MemoryBreaker with the given configuration.
func NewMemory(cfg Config) *MemoryBreaker {
	return &MemoryBreaker{
		providers: make(map[string]*providerState),
		cfg:       cfg,
	}
}

func (b *MemoryBreaker) get(provider string) *providerState {
	b.mu.RLock()
	ps := b.providers[provider]
	b.mu.RUnlock()
	if ps != nil {
		return ps
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ps = b.providers[provider]; ps == nil {
		ps = &providerState{state: StateClosed, windowStart: time.Now()}
		b.providers[provider] = ps
	}
	return ps
}

func (b *MemoryBreaker) Allow(_ context.Context, provider string) (bool, State) {
	ps := b.get(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case StateClosed:
		return true, StateClosed

	case StateOpen:
		if time.Now().Before(ps.openUntil) {
			return false, StateOpen
		}
		// Open duration elapsed: start probing.
		ps.state = StateHalfOpen
		ps.probesUsed = 1
		ps.probesPassed = 0
		return true, StateHalfOpen

	default: // StateHalfOpen
		if ps.probesUsed >= b.cfg.probeCount() {
			return false, StateHalfOpen
		}
		ps.probesUsed++
		return true, StateHalfOpen
	}
}

func (b *MemoryBreaker) RecordSuccess(_ context.Context, provider string) {
	ps := b.get(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case StateHalfOpen:
		ps.probesPassed++
		if ps.probesPassed >= b.cfg.probeCount() {
			ps.state = StateClosed
			ps.failures = 0
			ps.openDur = 0
			ps.windowStart = time.Now()
		}
	case StateClosed:
		ps.failures = 0
		ps.windowStart = time.Now()
	}
}

func (b *MemoryBreaker) RecordFailure(_ context.Context, provider string) {
	ps := b.get(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()

	switch ps.state {
	case StateHalfOpen:
		// Failed recovery: reopen with a doubled duration.
		dur := ps.openDur * 2
		if dur <= 0 {
			dur = b.cfg.openDuration()
		}
		if max := b.cfg.maxOpenDuration(); dur > max {
			dur = max
		}
		ps.state = StateOpen
		ps.openDur = dur
		ps.openUntil = now.Add(dur)
		ps.failures = 0

	case StateClosed:
		if now.Sub(ps.windowStart) > b.cfg.window() {
			ps.failures = 0
			ps.windowStart = now
		}
		ps.failures++
		if ps.failures >= b.cfg.threshold() {
			ps.state = StateOpen
			ps.openDur = b.cfg.openDuration()
			ps.openUntil = now.Add(ps.openDur)
		}
	}
	// Failures recorded while already open are late results — ignored.
}

func (b *MemoryBreaker) Reset(_ context.Context, provider string) {
	ps := b.get(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.state = StateClosed
	ps.failures = 0
	ps.openDur = 0
	ps.probesUsed = 0
	ps.probesPassed = 0
	ps.windowStart = time.Now()
}

func (b *MemoryBreaker) State(_ context.Context, provider string) State {
	ps := b.get(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.state == StateOpen && !time.Now().Before(ps.openUntil) {
		// Would transition on the next Allow; report half-open for accuracy.
		return StateHalfOpen
	}
	return ps.state
}
