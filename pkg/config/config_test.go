package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meshmind/referee/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot fully in memory in dev mode.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_ADDR", "AUDIT_DB_PATH",
		"POLICY_FILE", "OTLP_ENDPOINT", "TELEMETRY_ENABLED",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REAPER_INTERVAL", "JANITOR_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.AuditDBPath)
	assert.False(t, cfg.TelemetryEnabled)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 5*time.Second, cfg.ReaperInterval)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/referee")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("AUDIT_DB_PATH", "/var/lib/referee/audit.db")
	t.Setenv("POLICY_FILE", "/etc/referee/policy.yaml")
	t.Setenv("TELEMETRY_ENABLED", "true")
	t.Setenv("RATE_LIMIT_RPS", "10")
	t.Setenv("REAPER_INTERVAL", "500ms")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/referee", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "/var/lib/referee/audit.db", cfg.AuditDBPath)
	assert.Equal(t, "/etc/referee/policy.yaml", cfg.PolicyFile)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, 10, cfg.RateLimitRPS)
	assert.Equal(t, 500*time.Millisecond, cfg.ReaperInterval)
}

// TestLoad_IgnoresMalformedNumbers verifies malformed numeric values fall
// back to defaults rather than crashing boot.
func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "not-a-number")
	t.Setenv("REAPER_INTERVAL", "-3s")

	cfg := config.Load()

	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, 5*time.Second, cfg.ReaperInterval)
}
