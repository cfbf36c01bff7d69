package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
//
// Every backing store is optional: with no DATABASE_URL, REDIS_ADDR or
// AUDIT_DB_PATH the service runs fully in memory, which is the dev and
// test posture.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL enables the Postgres budget and effect stores.
	DatabaseURL string
	// RedisAddr enables the Redis hold manager.
	RedisAddr string
	// AuditDBPath enables the SQLite decision audit store.
	AuditDBPath string

	// PolicyFile points at a policy YAML; empty means the built-in default.
	PolicyFile string

	OTLPEndpoint     string
	TelemetryEnabled bool

	RateLimitRPS   int
	RateLimitBurst int

	// ReaperInterval is how often expired holds are swept.
	ReaperInterval time.Duration
	// JanitorInterval is how often lapsed effect claims are swept.
	JanitorInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		AuditDBPath:      os.Getenv("AUDIT_DB_PATH"),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
		RateLimitRPS:     envOrInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   envOrInt("RATE_LIMIT_BURST", 100),
		ReaperInterval:   envOrDuration("REAPER_INTERVAL", 5*time.Second),
		JanitorInterval:  envOrDuration("JANITOR_INTERVAL", time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
