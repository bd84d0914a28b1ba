package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Recency modes understood by the encounter processor.
const (
	RecencyModeLegacy = "legacy"
	RecencyModeWindow = "window"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	ClientID       string        `mapstructure:"CLIENT_ID"`
	AuthURL        string        `mapstructure:"AUTH_URL"`
	GroupID        string        `mapstructure:"GROUP_ID"`
	BaseURL        string        `mapstructure:"BASE_URL"`
	PrivateKeyPath string        `mapstructure:"PRIVATE_KEY_PATH"`
	PollDelay      time.Duration `mapstructure:"POLL_DELAY"`
	PollAttempts   int           `mapstructure:"POLL_ATTEMPTS"`
	HTTPTimeout    time.Duration `mapstructure:"HTTP_TIMEOUT"`
	RecencyWindow  time.Duration `mapstructure:"RECENCY_WINDOW"`
	RecencyMode    string        `mapstructure:"RECENCY_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("PRIVATE_KEY_PATH", "private-key.pem")
	v.SetDefault("POLL_DELAY", "10s")
	v.SetDefault("POLL_ATTEMPTS", 3)
	v.SetDefault("HTTP_TIMEOUT", "60s")
	v.SetDefault("RECENCY_WINDOW", "24h")
	v.SetDefault("RECENCY_MODE", RecencyModeLegacy)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "CLIENT_ID", "AUTH_URL", "GROUP_ID", "BASE_URL",
		"PRIVATE_KEY_PATH", "POLL_DELAY", "POLL_ATTEMPTS", "HTTP_TIMEOUT",
		"RECENCY_WINDOW", "RECENCY_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// LedgerEnabled reports whether export runs are recorded in PostgreSQL.
func (c *Config) LedgerEnabled() bool {
	return c.DatabaseURL != ""
}

// Validate checks that every remote endpoint setting is present and that the
// polling and recency knobs are usable.
func (c *Config) Validate() error {
	required := []struct {
		key, val string
	}{
		{"CLIENT_ID", c.ClientID},
		{"AUTH_URL", c.AuthURL},
		{"GROUP_ID", c.GroupID},
		{"BASE_URL", c.BaseURL},
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}
	if c.PollAttempts <= 0 {
		return fmt.Errorf("POLL_ATTEMPTS must be positive, got %d", c.PollAttempts)
	}
	if c.PollDelay < 0 {
		return fmt.Errorf("POLL_DELAY must not be negative, got %s", c.PollDelay)
	}
	if c.RecencyWindow <= 0 {
		return fmt.Errorf("RECENCY_WINDOW must be positive, got %s", c.RecencyWindow)
	}
	if c.RecencyMode != RecencyModeLegacy && c.RecencyMode != RecencyModeWindow {
		return fmt.Errorf("RECENCY_MODE must be %q or %q, got %q", RecencyModeLegacy, RecencyModeWindow, c.RecencyMode)
	}
	return nil
}

// KickoffURL builds the group-level Encounter export URL.
func (c *Config) KickoffURL() string {
	return c.BaseURL + "R4/Group/" + c.GroupID + "/$export?_type=Encounter"
}
