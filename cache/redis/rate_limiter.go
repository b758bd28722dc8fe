package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-link/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// allowScript increments the window counter and reports the remaining window
// in milliseconds. The key's expiry is the window, set on the first hit.
var allowScript = redis.NewScript(`
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

// RateLimiter is the shared ratelimit.Limiter for multi-replica deployments.
type RateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRateLimiter(client redis.UniversalClient, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
	}
}

func (r *RateLimiter) Allow(ctx context.Context, subject string, limit int, window time.Duration) (ratelimit.Decision, error) {
	key := fmt.Sprintf("%s:ratelimit:%s", r.prefix, subject)

	res, err := allowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 2 {
		return ratelimit.Decision{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}

	count := int(res[0])
	d := ratelimit.Decision{Allowed: count <= limit, Count: count, Limit: limit}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[1]) * time.Millisecond
	}
	return d, nil
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
