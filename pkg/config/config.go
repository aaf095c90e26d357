// Package config loads the Processor Node's closed configuration record
// from the environment. Load is called once at startup and the record is
// passed explicitly into constructors. A few settings outside this record
// are read where they are used: artifact storage selection
// (artifacts.NewStoreFromEnv, which also reads KOI_DATA_DIR), and the
// OpenAI API key and OpenTelemetry switch in cmd/koi.
package config

import (
	"os"
	"strconv"
)

// Config holds the node's full runtime configuration.
type Config struct {
	Port     string
	LogLevel string

	DataDir     string
	DatabaseURL string

	EmbedProvider string
	EmbedModel    string
	TextModel     string

	ContextEnrichmentEnabled bool

	DailyBudgetCents int64
	MaxInFlight      int
}

// Load loads configuration from environment variables, applying the
// same defaults a single-node deployment would use out of the box.
func Load() *Config {
	return &Config{
		Port:                     getEnv("PORT", "8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "INFO"),
		DataDir:                  getEnv("KOI_DATA_DIR", "./data"),
		DatabaseURL:              getEnv("DATABASE_URL", "postgres://koi@localhost:5433/koi?sslmode=disable"),
		EmbedProvider:            getEnv("KOI_EMBED_PROVIDER", "local"),
		EmbedModel:               getEnv("KOI_EMBED_MODEL", "text-embedding-3-small"),
		TextModel:                getEnv("KOI_TEXT_MODEL", "gpt-4o-mini"),
		ContextEnrichmentEnabled: getEnvBool("KOI_CTX_ENABLED", true),
		DailyBudgetCents:         getEnvInt64("KOI_DAILY_BUDGET", 1000),
		MaxInFlight:              getEnvInt("KOI_MAX_IN_FLIGHT", 10),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
