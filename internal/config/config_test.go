package config

import (
	"os"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "client-123")
	t.Setenv("AUTH_URL", "https://fhir.example.org/oauth2/token")
	t.Setenv("GROUP_ID", "group-1")
	t.Setenv("BASE_URL", "https://fhir.example.org/api/FHIR")
}

func TestLoad_RequiresClientID(t *testing.T) {
	setRequiredEnv(t)
	os.Unsetenv("CLIENT_ID")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CLIENT_ID is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PrivateKeyPath != "private-key.pem" {
		t.Errorf("expected default key path, got %s", cfg.PrivateKeyPath)
	}
	if cfg.PollDelay != 10*time.Second {
		t.Errorf("expected 10s poll delay, got %s", cfg.PollDelay)
	}
	if cfg.PollAttempts != 3 {
		t.Errorf("expected 3 poll attempts, got %d", cfg.PollAttempts)
	}
	if cfg.RecencyWindow != 24*time.Hour {
		t.Errorf("expected 24h window, got %s", cfg.RecencyWindow)
	}
	if cfg.RecencyMode != RecencyModeLegacy {
		t.Errorf("expected legacy recency mode, got %s", cfg.RecencyMode)
	}
	if cfg.LedgerEnabled() {
		t.Error("expected ledger to be disabled without DATABASE_URL")
	}
}

func TestLoad_NormalizesBaseURL(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseURL != "https://fhir.example.org/api/FHIR/" {
		t.Errorf("expected trailing slash, got %s", cfg.BaseURL)
	}
	want := "https://fhir.example.org/api/FHIR/R4/Group/group-1/$export?_type=Encounter"
	if got := cfg.KickoffURL(); got != want {
		t.Errorf("KickoffURL() = %s, want %s", got, want)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLL_DELAY", "250ms")
	t.Setenv("POLL_ATTEMPTS", "5")
	t.Setenv("RECENCY_MODE", "window")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.PollDelay)
	}
	if cfg.PollAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.PollAttempts)
	}
	if cfg.RecencyMode != RecencyModeWindow {
		t.Errorf("expected window mode, got %s", cfg.RecencyMode)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{
		ClientID:      "c",
		AuthURL:       "a",
		GroupID:       "g",
		BaseURL:       "b/",
		PollAttempts:  3,
		PollDelay:     time.Second,
		RecencyWindow: time.Hour,
		RecencyMode:   RecencyModeLegacy,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing group", func(c *Config) { c.GroupID = "" }},
		{"zero attempts", func(c *Config) { c.PollAttempts = 0 }},
		{"negative delay", func(c *Config) { c.PollDelay = -time.Second }},
		{"zero window", func(c *Config) { c.RecencyWindow = 0 }},
		{"unknown mode", func(c *Config) { c.RecencyMode = "strict" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}
