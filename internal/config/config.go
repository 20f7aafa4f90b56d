// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	ServerURL string // Control server base URL

	// Behavior
	PollInterval time.Duration // Idle sleep between fetches
	DataPath     string        // Directory for the identity file
	LogLevel     string        // Logging level (debug, info, warn, error)

	// Test hooks
	KillAfter      int  // Exit after N polls; 0 disables
	RandomFailures bool // 20% chance of exiting at labelled points
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:    "http://localhost:3000",
		PollInterval: time.Second,
		DataPath:     "./data",
		LogLevel:     "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if u := os.Getenv("SERVER_URL"); u != "" {
		cfg.ServerURL = u
	}

	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("POLL_INTERVAL must be a number (milliseconds)")
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
	}

	if p := os.Getenv("AGENT_DATA_PATH"); p != "" {
		cfg.DataPath = p
	}

	if v := os.Getenv("KILL_AFTER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("KILL_AFTER must be a number (polls)")
		}
		cfg.KillAfter = n
	}

	if v := os.Getenv("RANDOM_FAILURES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("RANDOM_FAILURES must be a boolean")
		}
		cfg.RandomFailures = b
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("server URL must be absolute")
	}
	if c.PollInterval < 10*time.Millisecond {
		return errors.New("poll interval must be at least 10ms")
	}
	if c.DataPath == "" {
		return errors.New("data path is required")
	}
	return nil
}
