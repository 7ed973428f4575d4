// Package config loads the relay's runtime configuration from the
// environment, applying sensible defaults for the heartbeat watchdog,
// rate limiter, alert loop and log retention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitRule is the (max, window) pair for one message class.
type RateLimitRule struct {
	Max       int
	WindowMs  int
}

// Config is the full set of options recognised by the relay.
type Config struct {
	Env        string
	ListenAddr string

	DatabaseURL string
	RedisAddr   string
	JWTSecret   string

	HeartbeatTimeout      time.Duration
	ReconnectGracePeriod  time.Duration
	AlertLoopInterval     time.Duration
	AlertLoopMax          int
	LogRetentionDays      int
	DeviceFailureThreshold int

	RateLimits map[string]RateLimitRule

	PushProvider string // "log" or "http"
	PushEndpoint string

	LegacyTokens bool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getEnvInt(key, defMs)) * time.Millisecond
}

// Load reads a .env file if present (ignored if missing) then assembles
// Config from the environment, applying the relay's documented defaults.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error

	cfg := &Config{
		Env:        getEnv("RELAY_ENV", "development"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret-change-me"),

		HeartbeatTimeout:       getEnvDurationMs("HEARTBEAT_TIMEOUT_MS", 30000),
		ReconnectGracePeriod:   getEnvDurationMs("RECONNECT_GRACE_PERIOD_MS", 5000),
		AlertLoopInterval:      getEnvDurationMs("ALERT_LOOP_INTERVAL_MS", 10000),
		AlertLoopMax:           getEnvInt("ALERT_LOOP_MAX", 30),
		LogRetentionDays:       getEnvInt("LOG_RETENTION_DAYS", 7),
		DeviceFailureThreshold: getEnvInt("DEVICE_FAILURE_THRESHOLD", 3),

		RateLimits: map[string]RateLimitRule{
			"status": {Max: getEnvInt("RATE_LIMIT_STATUS_MAX", 6), WindowMs: getEnvInt("RATE_LIMIT_STATUS_WINDOW_MS", 60000)},
			"log":    {Max: getEnvInt("RATE_LIMIT_LOG_MAX", 30), WindowMs: getEnvInt("RATE_LIMIT_LOG_WINDOW_MS", 60000)},
			"notify": {Max: getEnvInt("RATE_LIMIT_NOTIFY_MAX", 5), WindowMs: getEnvInt("RATE_LIMIT_NOTIFY_WINDOW_MS", 60000)},
			"alert":  {Max: getEnvInt("RATE_LIMIT_ALERT_MAX", 5), WindowMs: getEnvInt("RATE_LIMIT_ALERT_WINDOW_MS", 60000)},
		},

		PushProvider: getEnv("PUSH_PROVIDER", "log"),
		PushEndpoint: getEnv("PUSH_ENDPOINT", ""),

		LegacyTokens: getEnvBool("RELAY_LEGACY_TOKENS", false),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required in production")
		}
		if cfg.JWTSecret == "" || cfg.JWTSecret == "dev-secret-change-me" {
			return fmt.Errorf("config: JWT_SECRET must be set in production")
		}
	}
	if cfg.AlertLoopMax <= 0 {
		return fmt.Errorf("config: ALERT_LOOP_MAX must be positive")
	}
	return nil
}
