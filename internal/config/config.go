package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Portal    PortalConfig    `yaml:"portal"`
	Collector CollectorConfig `yaml:"collector,omitempty"`
	API       APIConfig       `yaml:"api,omitempty"`
	MQTT      MQTTConfig      `yaml:"mqtt,omitempty"`
}

// PortalConfig holds credentials and the portal address
type PortalConfig struct {
	BaseURL  string `yaml:"base_url,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Location string `yaml:"location,omitempty"` // metering point label, optional
}

// CollectorConfig tunes the historical collection walk
type CollectorConfig struct {
	Months               int `yaml:"months,omitempty"`                // months to walk back
	PauseInterval        int `yaml:"pause_interval,omitempty"`        // pause every N months, 0 disables
	PauseDurationSeconds int `yaml:"pause_duration,omitempty"`        // politeness pause length
	RetryMax             int `yaml:"retry_max,omitempty"`             // attempts per month on server errors
	RetryBackoffSeconds  int `yaml:"retry_backoff,omitempty"`         // delay between retries
	EmptyStopAfter       int `yaml:"empty_stop_after,omitempty"`      // consecutive empty months before stopping
}

// APIConfig holds the REST server settings
type APIConfig struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	AutoUpdate bool   `yaml:"auto_update,omitempty"`
	UpdateHour int    `yaml:"update_hour,omitempty"` // hour of day for the scheduled run
}

// MQTTConfig holds Home Assistant MQTT publishing settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

// Load reads the config file and applies environment fallbacks for credentials
func Load(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Missing file is fine, credentials may come from the environment
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Portal.Username == "" {
		cfg.Portal.Username = os.Getenv("POWERSCRAPER_USERNAME")
	}
	if cfg.Portal.Password == "" {
		cfg.Portal.Password = os.Getenv("POWERSCRAPER_PASSWORD")
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// GetBaseURL returns the portal base URL with the production default
func (c *Config) GetBaseURL() string {
	if c.Portal.BaseURL != "" {
		return c.Portal.BaseURL
	}
	return "http://www.carmasmartmetering.com/DirectConsumptionDev/"
}

// GetMonths returns the number of months to walk back, defaulting to 12
func (c *Config) GetMonths() int {
	if c.Collector.Months <= 0 {
		return 12
	}
	return c.Collector.Months
}

// GetPauseInterval returns how often to pause, defaulting to every 6 months
func (c *Config) GetPauseInterval() int {
	if c.Collector.PauseInterval < 0 {
		return 0
	}
	if c.Collector.PauseInterval == 0 {
		return 6
	}
	return c.Collector.PauseInterval
}

// GetPauseDuration returns the politeness pause length, defaulting to 30s
func (c *Config) GetPauseDuration() time.Duration {
	if c.Collector.PauseDurationSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Collector.PauseDurationSeconds) * time.Second
}

// GetRetryMax returns the per-month attempt limit, defaulting to 3
func (c *Config) GetRetryMax() int {
	if c.Collector.RetryMax <= 0 {
		return 3
	}
	return c.Collector.RetryMax
}

// GetRetryBackoff returns the delay between retries, defaulting to 10s
func (c *Config) GetRetryBackoff() time.Duration {
	if c.Collector.RetryBackoffSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Collector.RetryBackoffSeconds) * time.Second
}

// GetEmptyStopAfter returns the consecutive-empty-month threshold, defaulting to 2
func (c *Config) GetEmptyStopAfter() int {
	if c.Collector.EmptyStopAfter <= 0 {
		return 2
	}
	return c.Collector.EmptyStopAfter
}

// GetHost returns the API bind host, defaulting to all interfaces
func (c *Config) GetHost() string {
	if c.API.Host != "" {
		return c.API.Host
	}
	return "0.0.0.0"
}

// GetPort returns the API port, defaulting to 5000
func (c *Config) GetPort() int {
	if c.API.Port <= 0 {
		return 5000
	}
	return c.API.Port
}

// GetUpdateHour returns the scheduled update hour, defaulting to 5 AM
func (c *Config) GetUpdateHour() int {
	if c.API.UpdateHour <= 0 || c.API.UpdateHour > 23 {
		return 5
	}
	return c.API.UpdateHour
}
