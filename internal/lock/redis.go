package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/uplink/internal/config"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const redisRetryInterval = 25 * time.Millisecond

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
}

// RedisLocker holds keys as SET NX entries with a TTL so replicas share the
// same critical sections.
type RedisLocker struct {
	client  *redis.Client
	script  *redis.Script
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, timeout time.Duration) *RedisLocker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RedisLocker{
		client:  client,
		script:  redis.NewScript(lockReleaseScript),
		ttl:     ttl,
		timeout: timeout,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalizeKeys(keys)
	deadline := time.Now().Add(l.timeout)

	tokens := make(map[string]string, len(keys))
	releaseAll := func() {
		// release with a fresh context so a cancelled caller never strands keys
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for key, token := range tokens {
			_ = l.Unlock(rctx, key, token)
		}
	}

	for _, key := range keys {
		for {
			token, ok, err := l.TryLock(ctx, key)
			if err != nil {
				releaseAll()
				return nil, err
			}
			if ok {
				tokens[key] = token
				break
			}
			if time.Now().After(deadline) {
				releaseAll()
				return nil, &ContentionError{Key: key}
			}
			select {
			case <-ctx.Done():
				releaseAll()
				return nil, ctx.Err()
			case <-time.After(redisRetryInterval):
			}
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
