package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the client counter and arms the window expiry
// on the first hit. Returns {count, remaining_ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// DefaultKeyPrefix namespaces limiter keys.
const DefaultKeyPrefix = "corsproxy:rl:"

// RedisLimiter shares windows between proxy instances through redis. The
// window expiry is a key TTL, so no sweeping is needed.
type RedisLimiter struct {
	Rdb       redis.Scripter
	Policy    Policy
	KeyPrefix string
	Clock     func() time.Time
}

// NewRedisLimiter creates a RedisLimiter.
func NewRedisLimiter(rdb redis.Scripter, policy Policy, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisLimiter{Rdb: rdb, Policy: policy.withDefaults(), KeyPrefix: keyPrefix}
}

// Check counts a request for clientID.
func (l *RedisLimiter) Check(ctx context.Context, clientID string) (Decision, error) {
	policy := l.Policy.withDefaults()
	res, err := fixedWindowScript.Run(ctx, l.Rdb, []string{l.KeyPrefix + clientID}, policy.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply length %d", len(res))
	}

	count := int(res[0])
	return Decision{
		Limited: count > policy.Requests,
		Count:   count,
		Limit:   policy.Requests,
		ResetAt: l.now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

func (l *RedisLimiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}
