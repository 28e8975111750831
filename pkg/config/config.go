// Package config loads and validates the parkzend configuration
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/parkzen/parkzend/pkg/geofence"
	"github.com/parkzen/parkzend/pkg/mqtt"
	"github.com/parkzen/parkzend/pkg/notifications"
)

// Config represents the parkzend configuration
type Config struct {
	LogLevel string `json:"log_level"`
	DBPath   string `json:"db_path"`

	// Inference engine
	FixTimeoutS     int  `json:"fix_timeout_s"`
	MaxFixAttempts  int  `json:"max_fix_attempts"`
	ActivityTrigger bool `json:"activity_trigger"`

	// History retention
	MaxAgeMinutes int `json:"max_age_minutes"`
	PruneEveryS   int `json:"prune_every_s"`

	// Travel geofence sizing
	Travel geofence.TravelConfig `json:"travel"`

	// Listeners; empty address disables the listener
	MetricsAddr string `json:"metrics_addr"`
	HealthAddr  string `json:"health_addr"`

	// Integrations
	MQTT          *mqtt.Config         `json:"mqtt"`
	Notifications notifications.Config `json:"notifications"`
}

// Default configuration values
const (
	DefaultLogLevel       = "info"
	DefaultDBPath         = "/var/lib/parkzend/parkzend.db"
	DefaultFixTimeoutS    = 30
	DefaultMaxFixAttempts = 2
	DefaultMaxAgeMinutes  = 30
	DefaultPruneEveryS    = 60
	DefaultMetricsAddr    = ""
	DefaultHealthAddr     = ""
)

// Load reads the configuration from path. A missing file yields the
// default configuration; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// defaults returns the default configuration
func defaults() *Config {
	return &Config{
		LogLevel:        DefaultLogLevel,
		DBPath:          DefaultDBPath,
		FixTimeoutS:     DefaultFixTimeoutS,
		MaxFixAttempts:  DefaultMaxFixAttempts,
		ActivityTrigger: true,
		MaxAgeMinutes:   DefaultMaxAgeMinutes,
		PruneEveryS:     DefaultPruneEveryS,
		MetricsAddr:     DefaultMetricsAddr,
		HealthAddr:      DefaultHealthAddr,
		Travel:          geofence.DefaultTravelConfig(),
		MQTT:            mqtt.DefaultConfig(),
		Notifications:   notifications.DefaultConfig(),
	}
}

// validate checks configuration constraints
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.FixTimeoutS <= 0 {
		return fmt.Errorf("fix_timeout_s must be positive, got %d", c.FixTimeoutS)
	}
	if c.MaxFixAttempts <= 0 {
		return fmt.Errorf("max_fix_attempts must be positive, got %d", c.MaxFixAttempts)
	}
	if c.MaxAgeMinutes <= 0 {
		return fmt.Errorf("max_age_minutes must be positive, got %d", c.MaxAgeMinutes)
	}
	if c.Travel.MinRadius > c.Travel.MaxRadius {
		return fmt.Errorf("travel min_radius_m %.1f exceeds max_radius_m %.1f",
			c.Travel.MinRadius, c.Travel.MaxRadius)
	}
	if c.MQTT != nil && c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled but broker is empty")
	}
	if c.Notifications.PushoverEnabled &&
		(c.Notifications.PushoverToken == "" || c.Notifications.PushoverUser == "") {
		return fmt.Errorf("pushover enabled but token or user is empty")
	}
	return nil
}

// FixTimeout returns the fix timeout as a duration
func (c *Config) FixTimeout() time.Duration {
	return time.Duration(c.FixTimeoutS) * time.Second
}

// MaxAge returns the history retention window as a duration
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// PruneInterval returns the prune ticker period as a duration
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneEveryS) * time.Second
}
