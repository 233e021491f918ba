// Package breaker implements per-provider circuit breaking.
//
// Two backends share one contract: RedisBreaker serializes state transitions
// through the shared store so a horizontally scaled fleet agrees on whether
// a provider is excluded; MemoryBreaker is the process-local variant for
// single-process deployments (opt-in via CB_MODE=memory).
package breaker

import (
	"context"
	"time"
)

// State is the operational state of a provider's breaker.
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — provider is failing; requests are rejected immediately.
//	StateHalfOpen — recovery probing; a bounded number of calls is admitted.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// Label returns the state name used in logs and metric labels.
func (s State) Label() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds the breaker tuning parameters. Zero values fall back to the
// package defaults.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips
	// the breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling window for counting failures. Default: 60s.
	Window time.Duration

	// OpenDuration is how long the breaker stays open before probing.
	// Doubles on every failed recovery, up to MaxOpenDuration. Default: 30s.
	OpenDuration time.Duration

	// MaxOpenDuration caps the doubling. Default: 10m.
	MaxOpenDuration time.Duration

	// ProbeCount is the number of half-open probes that must all succeed
	// before the breaker closes again. Default: 1.
	ProbeCount int
}

func (c Config) threshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c Config) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return 60 * time.Second
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return 30 * time.Second
}

func (c Config) maxOpenDuration() time.Duration {
	if c.MaxOpenDuration > 0 {
		return c.MaxOpenDuration
	}
	return 10 * time.Minute
}

func (c Config) probeCount() int {
	if c.ProbeCount > 0 {
		return c.ProbeCount
	}
	return 1
}

// Breaker gates calls to one provider at a time, keyed by provider id.
type Breaker interface {
	// Allow reports whether the provider may receive the next call, and the
	// breaker state the decision was made in. An open breaker whose
	// open-until has elapsed transitions to half-open and admits a probe.
	Allow(ctx context.Context, provider string) (bool, State)

	// RecordSuccess feeds a successful call outcome into the machine.
	RecordSuccess(ctx context.Context, provider string)

	// RecordFailure feeds a failed call outcome into the machine. Only
	// server_error/timeout/network_error outcomes should be recorded here.
	RecordFailure(ctx context.Context, provider string)

	// Reset forces the breaker closed (admin surface).
	Reset(ctx context.Context, provider string)

	// State returns the current state without consuming a probe slot.
	State(ctx context.Context, provider string) State
}
