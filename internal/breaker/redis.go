package breaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared-store circuit state lives in one hash per provider (cb:{provider}).
// Every transition runs as a single Lua script so concurrent gateways never
// multi-count the same provider; the caller's clock travels in ARGV.

// allowScript:
// KEYS[1] = cb:{provider}
// ARGV[1] = now (ms), ARGV[2] = probe count P
// Returns {allowed, state}.
var allowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local probes = tonumber(ARGV[2])

		local state = tonumber(redis.call('HGET', key, 'state') or '0')

		if state == 0 then
			return {1, 0}
		end

		if state == 1 then
			local open_until = tonumber(redis.call('HGET', key, 'open_until') or '0')
			if now < open_until then
				return {0, 1}
			end
			redis.call('HSET', key, 'state', 2, 'probes_used', 1, 'probes_passed', 0)
			return {1, 2}
		end

		-- half-open
		local used = tonumber(redis.call('HGET', key, 'probes_used') or '0')
		if used >= probes then
			return {0, 2}
		end
		redis.call('HSET', key, 'probes_used', used + 1)
		return {1, 2}
`)

// successScript:
// ARGV[1] = now (ms), ARGV[2] = probe count P
var successScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local probes = tonumber(ARGV[2])

		local state = tonumber(redis.call('HGET', key, 'state') or '0')

		if state == 2 then
			local passed = tonumber(redis.call('HGET', key, 'probes_passed') or '0') + 1
			if passed >= probes then
				redis.call('DEL', key)
			else
				redis.call('HSET', key, 'probes_passed', passed)
			end
			return 1
		end

		if state == 0 then
			redis.call('HSET', key, 'failures', 0, 'window_start', now)
		end
		return 1
`)

// failureScript:
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = failure threshold,
// ARGV[4] = base open duration (ms), ARGV[5] = max open duration (ms)
var failureScript = redis.NewScript(`
		local key       = KEYS[1]
		local now       = tonumber(ARGV[1])
		local window    = tonumber(ARGV[2])
		local threshold = tonumber(ARGV[3])
		local base_dur  = tonumber(ARGV[4])
		local max_dur   = tonumber(ARGV[5])

		local state = tonumber(redis.call('HGET', key, 'state') or '0')

		if state == 2 then
			local dur = tonumber(redis.call('HGET', key, 'open_dur') or '0') * 2
			if dur <= 0 then dur = base_dur end
			if dur > max_dur then dur = max_dur end
			redis.call('HSET', key,
				'state', 1, 'open_dur', dur, 'open_until', now + dur, 'failures', 0)
			return 1
		end

		if state == 1 then
			return 1
		end

		local window_start = tonumber(redis.call('HGET', key, 'window_start') or '0')
		local failures     = tonumber(redis.call('HGET', key, 'failures') or '0')
		if now - window_start > window then
			failures = 0
			window_start = now
		end
		failures = failures + 1

		if failures >= threshold then
			redis.call('HSET', key,
				'state', 1, 'open_dur', base_dur, 'open_until', now + base_dur,
				'failures', 0, 'window_start', window_start)
		else
			redis.call('HSET', key, 'failures', failures, 'window_start', window_start)
		end
		return 1
`)

// RedisBreaker is the shared-store backend. A Redis outage degrades open:
// calls are allowed as if the breaker were closed.
type RedisBreaker struct {
	rdb *redis.Client
	cfg Config
}

// NewRedis creates a RedisBreaker on the given client.
func NewRedis(rdb *redis.Client, cfg Config) *RedisBreaker {
	return &RedisBreaker{rdb: rdb, cfg: cfg}
}

func cbKey(provider string) string { return "cb:" + provider }

func msNow() int64 { return time.Now().UnixMilli() }

func (b *RedisBreaker) Allow(ctx context.Context, provider string) (bool, State) {
	res, err := allowScript.Run(ctx, b.rdb,
		[]string{cbKey(provider)},
		msNow(), b.cfg.probeCount(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		return true, StateClosed
	}
	return res[0] == 1, State(res[1])
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context, provider string) {
	_ = successScript.Run(ctx, b.rdb,
		[]string{cbKey(provider)},
		msNow(), b.cfg.probeCount(),
	).Err()
}

func (b *RedisBreaker) RecordFailure(ctx context.Context, provider string) {
	_ = failureScript.Run(ctx, b.rdb,
		[]string{cbKey(provider)},
		msNow(),
		b.cfg.window().Milliseconds(),
		b.cfg.threshold(),
		b.cfg.openDuration().Milliseconds(),
		b.cfg.maxOpenDuration().Milliseconds(),
	).Err()
}

func (b *RedisBreaker) Reset(ctx context.Context, provider string) {
	_ = b.rdb.Del(ctx, cbKey(provider)).Err()
}

func (b *RedisBreaker) State(ctx context.Context, provider string) State {
	raw, err := b.rdb.HGet(ctx, cbKey(provider), "state").Int()
	if err != nil {
		return StateClosed
	}
	return State(raw)
}
