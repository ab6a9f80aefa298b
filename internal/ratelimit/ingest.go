package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/uplink/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keySaleIngestActor = "uplink:ingest:sale:%s"

// IngestLimiter throttles sale events per calling actor. With Redis it is
// shared across replicas; without it each replica keeps its own buckets.
type IngestLimiter struct {
	enabled bool
	log     *zap.Logger

	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

type Params struct {
	fx.In

	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

func NewIngestLimiter(p Params) *IngestLimiter {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled || limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return &IngestLimiter{}
	}
	return &IngestLimiter{
		enabled: true,
		log:     p.Log.Named("ratelimit"),
		bucket:  NewTokenBucket(p.Client),
		rate:    limitCfg.IngestRate,
		burst:   limitCfg.IngestBurst,
		local:   make(map[string]*rate.Limiter),
	}
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowActor consumes one token for the actor. Redis failures fail open.
func (l *IngestLimiter) AllowActor(ctx context.Context, actorID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		actorID = "anonymous"
	}

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, fmt.Sprintf(keySaleIngestActor, actorID), l.rate, l.burst)
		if err == nil {
			return res, nil
		}
		l.log.Warn("redis rate limit unavailable, using local bucket", zap.Error(err))
	}
	return l.allowLocal(actorID), nil
}

func (l *IngestLimiter) allowLocal(actorID string) *RateLimitResult {
	l.mu.Lock()
	limiter, ok := l.local[actorID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[actorID] = limiter
	}
	l.mu.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return &RateLimitResult{
			Allowed:    false,
			Limit:      l.burst,
			ResetTime:  now.Add(delay),
			RetryAfter: delay,
		}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: int(limiter.TokensAt(now)),
		ResetTime: now,
	}
}
