package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrBucketUnconfigured = errors.New("rate_limiter_unconfigured")
	ErrInvalidBucket      = errors.New("invalid_rate_limit_bucket")
	ErrBadScriptReply     = errors.New("invalid_rate_limit_reply")
)

// The bucket refills continuously at ARGV[1] tokens per second up to ARGV[2].
// Redis truncates Lua numbers in replies, so the token count is returned as a
// string to keep the fraction.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + ((now - ts) / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens), now}
`

// TokenBucket is a Redis-backed bucket shared by every replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Allow takes one token from key.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	if t == nil || t.client == nil {
		return denied, ErrBucketUnconfigured
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return denied, ErrInvalidBucket
	}

	reply, err := t.script.Run(ctx, t.client, []string{key},
		rate, burst, bucketTTL(rate, burst).Milliseconds(),
	).Slice()
	if err != nil {
		return denied, err
	}
	if len(reply) != 3 {
		return denied, ErrBadScriptReply
	}

	allowed := asInt(reply[0]) == 1
	tokens := asFloat(reply[1])
	now := time.UnixMilli(asInt(reply[2]))

	res := &RateLimitResult{
		Allowed:   allowed,
		Limit:     burst,
		Remaining: int(tokens),
		ResetTime: now,
	}
	if !allowed {
		res.RetryAfter = time.Duration((1 - tokens) / rate * float64(time.Second))
		res.ResetTime = now.Add(res.RetryAfter)
	}
	return res, nil
}

// bucketTTL keeps idle buckets around for twice their full refill time.
func bucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case string:
		parsed, _ := strconv.ParseFloat(n, 64)
		return parsed
	case int64:
		return float64(n)
	default:
		return 0
	}
}
