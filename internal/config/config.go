package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config carries every recognized option for both processes. Values come
// from the environment, optionally seeded from a .env file.
type Config struct {
	HTTPAddr string

	PostgresDSN string // job metadata tracker
	ResultsDSN  string // result store; defaults to PostgresDSN
	BackendDSN  string // protected backend (worker only)

	RedisAddr     string
	QueueKey      string
	ProcessingKey string
	DelayedKey    string

	Workers       int
	MaxQueueDepth int64

	BackendCallsPerInterval int
	ThrottleInterval        time.Duration

	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	LeaseTimeout      time.Duration
	HeartbeatEvery    time.Duration

	EvictionSchedule string
	ReaperInterval   time.Duration
}

// Load reads the environment. DSNs are required; everything else has a
// default. The eviction schedule is validated eagerly so a bad cron
// expression fails at startup, not at 3am.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:                envOr("HTTP_ADDR", ":8080"),
		PostgresDSN:             os.Getenv("POSTGRES_DSN"),
		BackendDSN:              os.Getenv("BACKEND_DSN"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		QueueKey:                envOr("REDIS_QUEUE_KEY", "queries:queue"),
		ProcessingKey:           envOr("REDIS_PROCESSING_KEY", "queries:processing"),
		DelayedKey:              envOr("REDIS_DELAYED_KEY", "queries:delayed"),
		Workers:                 envIntOr("WORKERS", 4),
		MaxQueueDepth:           int64(envIntOr("MAX_QUEUE_DEPTH", 1000)),
		BackendCallsPerInterval: envIntOr("BACKEND_CALLS_PER_INTERVAL", 10),
		ThrottleInterval:        envDurationOr("THROTTLE_INTERVAL", time.Second),
		MaxAttempts:             envIntOr("MAX_ATTEMPTS", 3),
		BackoffBase:             envDurationOr("BACKOFF_BASE", 5*time.Second),
		BackoffMultiplier:       envFloatOr("BACKOFF_MULTIPLIER", 5),
		LeaseTimeout:            envDurationOr("LEASE_TIMEOUT", 2*time.Minute),
		HeartbeatEvery:          envDurationOr("HEARTBEAT_EVERY", 15*time.Second),
		EvictionSchedule:        envOr("EVICTION_SCHEDULE", "0 3 * * *"),
		ReaperInterval:          envDurationOr("REAPER_INTERVAL", 30*time.Second),
	}
	cfg.ResultsDSN = envOr("RESULTS_DSN", cfg.PostgresDSN)

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("missing env: POSTGRES_DSN")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("missing env: REDIS_ADDR")
	}
	if _, err := cron.ParseStandard(cfg.EvictionSchedule); err != nil {
		return nil, fmt.Errorf("invalid EVICTION_SCHEDULE: %w", err)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.BackendCallsPerInterval < 1 {
		return nil, fmt.Errorf("BACKEND_CALLS_PER_INTERVAL must be >= 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envFloatOr(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

var dsnPassRe = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a DSN for logging: user:pass@ -> user:****@.
// A DSN without a password passes through untouched.
func RedactDSN(dsn string) string {
	return dsnPassRe.ReplaceAllString(dsn, `://$1:****@`)
}
