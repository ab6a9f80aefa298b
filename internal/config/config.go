package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName      string
	AppVersion   string
	Environment  string
	HTTPAddr     string
	SnowflakeID  int64
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Lock      LockConfig
	RateLimit RateLimitConfig

	PolicyFile string

	Recompute RecomputeConfig
	Scheduler SchedulerConfig
	Push      MetricsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LockConfig struct {
	// Backend is "local" or "redis".
	Backend string
	Timeout time.Duration
	TTL     time.Duration
}

// RateLimitConfig bounds sale event ingestion per caller.
type RateLimitConfig struct {
	Enabled     bool
	IngestRate  float64
	IngestBurst int
}

type RecomputeConfig struct {
	Concurrency  int
	BatchSize    int
	Debounce     time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	Lease        time.Duration
	DispatchRate float64
}

type SchedulerConfig struct {
	Interval       time.Duration
	RankSweepEvery time.Duration
	RankSweepBatch int
	DisabledJobs   []string
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "uplink"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		SnowflakeID:  getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "uplink"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Lock: LockConfig{
			Backend: strings.ToLower(getenv("LOCK_BACKEND", LockBackendLocal)),
			Timeout: getenvDuration("LOCK_TIMEOUT", 5*time.Second),
			TTL:     getenvDuration("LOCK_TTL", 30*time.Second),
		},

		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			IngestRate:  getenvFloat("RATE_LIMIT_INGEST_RATE", 200),
			IngestBurst: int(getenvInt64("RATE_LIMIT_INGEST_BURST", 400)),
		},

		PolicyFile: strings.TrimSpace(getenv("POLICY_FILE", "")),

		Recompute: RecomputeConfig{
			Concurrency:  int(getenvInt64("RECOMPUTE_CONCURRENCY", 4)),
			BatchSize:    int(getenvInt64("RECOMPUTE_BATCH_SIZE", 50)),
			Debounce:     getenvDuration("RECOMPUTE_DEBOUNCE", 30*time.Second),
			MaxAttempts:  int(getenvInt64("RECOMPUTE_MAX_ATTEMPTS", 5)),
			BackoffBase:  getenvDuration("RECOMPUTE_BACKOFF_BASE", 10*time.Second),
			Lease:        getenvDuration("RECOMPUTE_LEASE", 2*time.Minute),
			DispatchRate: getenvFloat("RECOMPUTE_DISPATCH_RATE", 100),
		},
		Scheduler: SchedulerConfig{
			Interval:       getenvDuration("SCHEDULER_INTERVAL", 5*time.Second),
			RankSweepEvery: getenvDuration("SCHEDULER_RANK_SWEEP_EVERY", time.Hour),
			RankSweepBatch: int(getenvInt64("SCHEDULER_RANK_SWEEP_BATCH", 500)),
			DisabledJobs:   parseList(getenv("SCHEDULER_DISABLED_JOBS", "")),
		},
		Push: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
