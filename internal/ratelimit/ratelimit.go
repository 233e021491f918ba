// Package ratelimit implements sliding-window rate limiting against Redis
// with atomic Lua scripts.
//
// Three request axes are checked in order: global, per-client-key, per-IP.
// The first axis that denies wins and supplies the Retry-After hint. Token
// budgets (per-upstream-key tokens/minute and daily quota) are charged after
// the upstream call using the usage the provider reported.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window limiter over a sorted set.
// KEYS[1] = window key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns {1, 0} when allowed, {0, retry_after_seconds} when denied.
// retry_after is the time until the oldest entry leaves the window.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local retry = 1
			if oldest[2] then
				retry = math.ceil((tonumber(oldest[2]) + window - now) / 1000000000)
				if retry < 1 then retry = 1 end
			end
			return {0, retry}
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, 0}
`)

// Axis labels used in decisions and metrics.
const (
	AxisGlobal = "global"
	AxisKey    = "key"
	AxisIP     = "ip"
)

// Decision is the result of a request-axis check.
type Decision struct {
	Allowed    bool
	Axis       string // axis that denied; empty when allowed
	RetryAfter time.Duration
}

// Limits holds the per-axis requests-per-window limits. 0 disables an axis.
type Limits struct {
	GlobalRPM int
	KeyRPM    int
	IPRPM     int
}

// Limiter checks request rates and token budgets against Redis. A Redis
// outage degrades open: requests are allowed when the store is unreachable.
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
	limits Limits
}

// New creates a Limiter with the given window (0 → one minute).
func New(rdb *redis.Client, window time.Duration, limits Limits) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{rdb: rdb, window: window, limits: limits}
}

func (l *Limiter) windowSecs() int64 {
	return int64(l.window.Seconds())
}

// AllowRequest checks the three request axes in order. Exactly one window
// entry is consumed per axis per accepted request.
func (l *Limiter) AllowRequest(ctx context.Context, principal, ip string) Decision {
	ws := l.windowSecs()

	axes := []struct {
		axis  string
		key   string
		limit int
	}{
		{AxisGlobal, fmt.Sprintf("rl:global:%d", ws), l.limits.GlobalRPM},
		{AxisKey, fmt.Sprintf("rl:key:%s:%d", principal, ws), l.limits.KeyRPM},
		{AxisIP, fmt.Sprintf("rl:ip:%s:%d", ip, ws), l.limits.IPRPM},
	}

	for _, a := range axes {
		if a.limit <= 0 {
			continue
		}
		allowed, retry := l.check(ctx, a.key, a.limit)
		if !allowed {
			return Decision{Allowed: false, Axis: a.axis, RetryAfter: retry}
		}
	}
	return Decision{Allowed: true}
}

// AllowUpstreamKey consumes one request slot on an upstream key's own RPM
// budget. limit ≤ 0 means the key carries no request limit.
func (l *Limiter) AllowUpstreamKey(ctx context.Context, keyID string, limit int) bool {
	if limit <= 0 {
		return true
	}
	allowed, _ := l.check(ctx, "rl:upkey:"+keyID, limit)
	return allowed
}

func (l *Limiter) check(ctx context.Context, key string, limit int) (bool, time.Duration) {
	if l.rdb == nil {
		return true, 0
	}

	now := time.Now().UnixNano()
	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, l.window.Nanoseconds(), limit,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		// Redis unavailable — allow request (graceful degradation).
		return true, 0
	}

	if res[0] == 1 {
		return true, 0
	}
	return false, time.Duration(res[1]) * time.Second
}

// ── Token budgets ────────────────────────────────────────────────────────────

// ChargeTokens records n tokens of usage against an upstream key. Charged
// after the call completes, so an in-flight response never gets cut off.
func (l *Limiter) ChargeTokens(ctx context.Context, keyID string, n int) {
	if l.rdb == nil || n <= 0 {
		return
	}

	pipe := l.rdb.Pipeline()
	minuteKey := "rl:tpm:" + keyID
	dailyKey := "rl:daily:" + keyID + ":" + time.Now().UTC().Format("20060102")
	pipe.IncrBy(ctx, minuteKey, int64(n))
	pipe.Expire(ctx, minuteKey, l.window)
	pipe.IncrBy(ctx, dailyKey, int64(n))
	pipe.Expire(ctx, dailyKey, 24*time.Hour)
	_, _ = pipe.Exec(ctx) // best effort
}

// BudgetExceeded reports whether an upstream key has spent its token-per-
// window or daily-quota budget. Limits ≤ 0 are unlimited.
func (l *Limiter) BudgetExceeded(ctx context.Context, keyID string, tpm, daily int) bool {
	if l.rdb == nil || (tpm <= 0 && daily <= 0) {
		return false
	}

	if tpm > 0 {
		used, err := l.rdb.Get(ctx, "rl:tpm:"+keyID).Int64()
		if err == nil && used >= int64(tpm) {
			return true
		}
	}
	if daily > 0 {
		dailyKey := "rl:daily:" + keyID + ":" + time.Now().UTC().Format("20060102")
		used, err := l.rdb.Get(ctx, dailyKey).Int64()
		if err == nil && used >= int64(daily) {
			return true
		}
	}
	return false
}

// UsageCount returns the number of requests the upstream key served in the
// current window (feeds the least_used selection strategy).
func (l *Limiter) UsageCount(ctx context.Context, keyID string) int64 {
	if l.rdb == nil {
		return 0
	}
	cutoff := time.Now().Add(-l.window).UnixNano()
	n, err := l.rdb.ZCount(ctx, "rl:upkey:"+keyID,
		fmt.Sprintf("%d", cutoff), fmt.Sprintf("%d", int64(math.MaxInt64))).Result()
	if err != nil {
		return 0
	}
	return n
}
