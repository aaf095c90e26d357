package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchedulerProfile is a runtime-configurable policy bundle for the
// Scheduler & Cost Optimizer: per-category budgets, concurrency limits,
// model routing, and retry/backoff parameters. Profiles are loaded from
// YAML so an operator can retune thresholds without a rebuild.
type SchedulerProfile struct {
	Name          string             `yaml:"name" json:"name"`
	DailyBudget   map[string]int64   `yaml:"daily_budget" json:"daily_budget"` // category -> cents
	Concurrency   ConcurrencyConfig  `yaml:"concurrency" json:"concurrency"`
	Enrich        EnrichConfig       `yaml:"enrich" json:"enrich"`
	Embed         EmbedConfig        `yaml:"embed" json:"embed"`
	Models        ModelRoutingConfig `yaml:"models" json:"models"`
	Retry         RetryConfig        `yaml:"retry" json:"retry"`
}

// ConcurrencyConfig bounds the global in-flight work-item semaphore.
type ConcurrencyConfig struct {
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight"`
}

// EnrichConfig tunes enrichment-stage eligibility heuristics.
type EnrichConfig struct {
	SkipCode  bool `yaml:"skip_code" json:"skip_code"`
	MinTokens int  `yaml:"min_tokens" json:"min_tokens"`
}

// EmbedConfig selects the embedding provider.
type EmbedConfig struct {
	Provider string `yaml:"provider" json:"provider"` // "local" or a named paid provider
}

// ModelRoutingConfig names the models used for priority-based routing.
type ModelRoutingConfig struct {
	High string `yaml:"high" json:"high"`
	Low  string `yaml:"low" json:"low"`
}

// RetryConfig defines the exponential backoff schedule for transient
// failures of external model calls.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	InitialMs   int `yaml:"initial_ms" json:"initial_ms"`
	CapMs       int `yaml:"cap_ms" json:"cap_ms"`
}

// LoadProfile loads a scheduler profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*SchedulerProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile SchedulerProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*SchedulerProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SchedulerProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile SchedulerProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// ModelFor returns the routing model identifier for a given priority:
// priority >= 0.8 routes to the high-quality model.
func (p *SchedulerProfile) ModelFor(priority float64) string {
	if priority >= 0.8 {
		return p.Models.High
	}
	return p.Models.Low
}
