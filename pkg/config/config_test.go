package config_test

import (
	"testing"

	"github.com/regen-network/koi/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoadDefaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KOI_DATA_DIR", "")
	t.Setenv("KOI_EMBED_PROVIDER", "")
	t.Setenv("KOI_EMBED_MODEL", "")
	t.Setenv("KOI_TEXT_MODEL", "")
	t.Setenv("KOI_CTX_ENABLED", "")
	t.Setenv("KOI_DAILY_BUDGET", "")
	t.Setenv("KOI_MAX_IN_FLIGHT", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "local", cfg.EmbedProvider)
	assert.True(t, cfg.ContextEnrichmentEnabled)
	assert.Equal(t, int64(1000), cfg.DailyBudgetCents)
	assert.Equal(t, 10, cfg.MaxInFlight)
}

// TestLoadOverrides verifies that environment variables correctly
// override default values.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("KOI_DATA_DIR", "/var/lib/koi")
	t.Setenv("KOI_EMBED_PROVIDER", "openai")
	t.Setenv("KOI_EMBED_MODEL", "text-embedding-3-large")
	t.Setenv("KOI_TEXT_MODEL", "gpt-4o")
	t.Setenv("KOI_CTX_ENABLED", "false")
	t.Setenv("KOI_DAILY_BUDGET", "5000")
	t.Setenv("KOI_MAX_IN_FLIGHT", "25")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "/var/lib/koi", cfg.DataDir)
	assert.Equal(t, "openai", cfg.EmbedProvider)
	assert.Equal(t, "text-embedding-3-large", cfg.EmbedModel)
	assert.Equal(t, "gpt-4o", cfg.TextModel)
	assert.False(t, cfg.ContextEnrichmentEnabled)
	assert.Equal(t, int64(5000), cfg.DailyBudgetCents)
	assert.Equal(t, 25, cfg.MaxInFlight)
}

func TestLoadInvalidNumericFallsBackToDefault(t *testing.T) {
	t.Setenv("KOI_DAILY_BUDGET", "not-a-number")
	t.Setenv("KOI_MAX_IN_FLIGHT", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, int64(1000), cfg.DailyBudgetCents)
	assert.Equal(t, 10, cfg.MaxInFlight)
}
