package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/uplink/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewRedisClient),
	fx.Provide(New),
)

type Params struct {
	fx.In

	Lc     fx.Lifecycle
	Cfg    config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// New picks the lock backend from configuration, falling back to the
// in-process locker when Redis is unavailable.
func New(p Params) Locker {
	log := p.Log.Named("lock")
	if p.Cfg.Lock.Backend == config.LockBackendRedis {
		if locker := NewRedisLocker(p.Client, p.Cfg.Lock.TTL, p.Cfg.Lock.Timeout); locker != nil {
			p.Lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					return p.Client.Close()
				},
			})
			log.Info("using redis locker", zap.String("addr", p.Cfg.Redis.Addr))
			return locker
		}
		log.Warn("redis lock backend requested without redis address; using local locker")
	}
	return NewLocalLocker(p.Cfg.Lock.Timeout)
}
