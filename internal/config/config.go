// Package config reads and writes the global ~/.wizzle/config.toml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default backend endpoints used when the config file omits them.
const (
	DefaultAPIBaseURL   = "http://localhost:3000"
	DefaultRealtimeURL  = "ws://localhost:3001"
	DefaultFetchTimeout = 15
)

// Config represents the global configuration file.
type Config struct {
	DefaultSession  string `toml:"default_session"`
	APIBaseURL      string `toml:"api_base_url"`
	RealtimeURL     string `toml:"realtime_url"`
	FetchTimeoutSec int    `toml:"fetch_timeout_sec"`
}

// Load reads config from the given path and applies defaults for missing
// fields. Returns an error if the file is absent or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Defaulted returns a config with all defaults applied, for first runs
// before any file exists.
func Defaulted() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.RealtimeURL == "" {
		c.RealtimeURL = DefaultRealtimeURL
	}
	if c.FetchTimeoutSec <= 0 {
		c.FetchTimeoutSec = DefaultFetchTimeout
	}
}

func (c *Config) validate() error {
	if _, err := url.Parse(c.APIBaseURL); err != nil {
		return fmt.Errorf("invalid api_base_url: %w", err)
	}
	u, err := url.Parse(c.RealtimeURL)
	if err != nil {
		return fmt.Errorf("invalid realtime_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("realtime_url must use ws:// or wss://, got %q", c.RealtimeURL)
	}
	return nil
}
