/**
 * @description
 * Distributed fixed-window rate limiter over Redis, used to throttle USSD
 * callbacks per phone number. The limiter is an injected capability: the
 * session engine's correctness never depends on it, only the edge does.
 */

package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter consumes one unit of quota for (scope, subject) and reports the
// count inside the current window. Implementations must fail open: a limiter
// outage never blocks a borrower.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// The script stops incrementing once the window is saturated, so a burst of
// throttled retries cannot inflate the counter; a saturated window reports
// limit+1 and the remaining window in milliseconds.
var consumeQuotaScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local cap = tonumber(ARGV[2])
if used >= cap then
  return {cap + 1, redis.call("PTTL", KEYS[1])}
end
used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {used, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimiter implements RateLimiter on a shared Redis counter, so the
// window holds across every instance behind the load balancer.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "lending:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return 0, 0, nil
	}

	// Sub-second windows round up so PEXPIRE always gets a sane TTL.
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.prefix + ":" + scope + ":" + subject
	reply, err := consumeQuotaScript.Run(ctx, r.client, []string{key}, windowMs, limit).Result()
	if err != nil {
		return 0, 0, err
	}

	used, ttlMs, err := decodeQuotaReply(reply)
	if err != nil {
		return 0, 0, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int((ttlMs + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(used), retryAfter, nil
}

func decodeQuotaReply(reply interface{}) (used int64, ttlMs int64, err error) {
	pair, ok := reply.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("rate limit script returned %T, want [count, ttl]", reply)
	}
	if used, ok = pair[0].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limit count is %T, want int64", pair[0])
	}
	if ttlMs, ok = pair[1].(int64); !ok {
		return 0, 0, fmt.Errorf("rate limit ttl is %T, want int64", pair[1])
	}
	return used, ttlMs, nil
}
