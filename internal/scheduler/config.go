package scheduler

import (
	"time"

	"github.com/smallbiznis/uplink/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	RankSweepEvery time.Duration
	RankSweepBatch int
	DisabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    5 * time.Second,
		RankSweepEvery: time.Hour,
		RankSweepBatch: 500,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:    cfg.Scheduler.Interval,
		RankSweepEvery: cfg.Scheduler.RankSweepEvery,
		RankSweepBatch: cfg.Scheduler.RankSweepBatch,
		DisabledJobs:   cfg.Scheduler.DisabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.RankSweepEvery <= 0 {
		c.RankSweepEvery = defaults.RankSweepEvery
	}
	if c.RankSweepBatch <= 0 {
		c.RankSweepBatch = defaults.RankSweepBatch
	}
	return c
}
