package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultPort            = "8080"
	defaultBaseURL         = "https://api.coingecko.com/api/v3"
	defaultUpstreamTimeout = 10 * time.Second

	defaultRateLimitCalls  = 30
	defaultRateLimitPeriod = time.Minute

	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = time.Minute

	defaultL1TTL      = 5 * time.Second
	defaultL1Capacity = 4096
	defaultStaleRatio = 0.8
	defaultL2TTL      = 30 * time.Second
	defaultFreshFor   = 5 * time.Second

	defaultLockLease       = 10 * time.Second
	defaultLockWait        = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Port     string
	LogLevel string

	UpstreamBaseURL string
	UpstreamAPIKey  string
	UpstreamTimeout time.Duration

	RateLimitCalls  int
	RateLimitPeriod time.Duration

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	L1TTL      time.Duration
	L1Capacity int
	StaleRatio float64
	L2TTL      time.Duration
	FreshFor   time.Duration

	// RedisAddr empty means no shared tier: the service runs L1-only.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LockLease time.Duration
	LockWait  time.Duration

	ShutdownTimeout time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Port:            envOr("PORT", defaultPort),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		UpstreamBaseURL: envOr("COINGECKO_BASE_URL", defaultBaseURL),
		UpstreamAPIKey:  os.Getenv("COINGECKO_API_KEY"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
	}

	var err error
	if cfg.UpstreamTimeout, err = envDuration("UPSTREAM_TIMEOUT", defaultUpstreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitCalls, err = envInt("RATE_LIMIT_CALLS", defaultRateLimitCalls); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPeriod, err = envDuration("RATE_LIMIT_PERIOD", defaultRateLimitPeriod); err != nil {
		return Config{}, err
	}
	if cfg.BreakerFailureThreshold, err = envInt("BREAKER_FAILURE_THRESHOLD", defaultFailureThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BreakerRecoveryTimeout, err = envDuration("BREAKER_RECOVERY_TIMEOUT", defaultRecoveryTimeout); err != nil {
		return Config{}, err
	}
	if cfg.L1TTL, err = envDuration("CACHE_TTL_L1", defaultL1TTL); err != nil {
		return Config{}, err
	}
	if cfg.L1Capacity, err = envInt("CACHE_CAPACITY_L1", defaultL1Capacity); err != nil {
		return Config{}, err
	}
	if cfg.StaleRatio, err = envFloat("CACHE_STALE_RATIO", defaultStaleRatio); err != nil {
		return Config{}, err
	}
	if cfg.L2TTL, err = envDuration("CACHE_TTL_L2", defaultL2TTL); err != nil {
		return Config{}, err
	}
	if cfg.FreshFor, err = envDuration("CACHE_FRESH_FOR", defaultFreshFor); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.LockLease, err = envDuration("LOCK_LEASE", defaultLockLease); err != nil {
		return Config{}, err
	}
	if cfg.LockWait, err = envDuration("LOCK_WAIT", defaultLockWait); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return Config{}, err
	}

	if cfg.RateLimitCalls <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_CALLS must be > 0")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0")
	}
	if cfg.StaleRatio <= 0 || cfg.StaleRatio >= 1 {
		return Config{}, fmt.Errorf("CACHE_STALE_RATIO must be in (0, 1)")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
