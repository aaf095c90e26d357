package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfileDefault(t *testing.T) {
	profilesDir := locateProfiles(t)
	p, err := LoadProfile(profilesDir, "default")
	if err != nil {
		t.Fatalf("LoadProfile(default): %v", err)
	}
	if p.Models.High != "gpt-4o" {
		t.Errorf("expected high model gpt-4o, got %q", p.Models.High)
	}
	if p.Concurrency.MaxInFlight != 10 {
		t.Errorf("expected max_in_flight 10, got %d", p.Concurrency.MaxInFlight)
	}
	if p.ModelFor(0.9) != p.Models.High {
		t.Error("priority 0.9 should route to the high-quality model")
	}
	if p.ModelFor(0.5) != p.Models.Low {
		t.Error("priority 0.5 should route to the low-quality model")
	}
}

func TestLoadProfileConservative(t *testing.T) {
	profilesDir := locateProfiles(t)
	p, err := LoadProfile(profilesDir, "conservative")
	if err != nil {
		t.Fatalf("LoadProfile(conservative): %v", err)
	}
	if p.DailyBudget["embedding"] != 500 {
		t.Errorf("expected embedding budget 500, got %d", p.DailyBudget["embedding"])
	}
	if !p.Enrich.SkipCode {
		t.Error("conservative profile should skip code enrichment")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	profilesDir := locateProfiles(t)
	profiles, err := LoadAllProfiles(profilesDir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) < 2 {
		t.Errorf("expected at least 2 profiles, got %d", len(profiles))
	}
	for name, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", name)
		}
	}
}

func TestModelForBoundary(t *testing.T) {
	p := &SchedulerProfile{Models: ModelRoutingConfig{High: "high-model", Low: "low-model"}}
	if p.ModelFor(0.8) != "high-model" {
		t.Error("priority exactly 0.8 should route to the high-quality model")
	}
	if p.ModelFor(0.79) != "low-model" {
		t.Error("priority below 0.8 should route to the low-quality model")
	}
}

func locateProfiles(t *testing.T) string {
	t.Helper()
	candidates := []string{
		"profiles",
		"../config/profiles",
		filepath.Join(os.Getenv("GOPATH"), "src/github.com/regen-network/koi/pkg/config/profiles"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	wd, _ := os.Getwd()
	p := filepath.Join(wd, "profiles")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	t.Skip("profiles directory not found")
	return ""
}
