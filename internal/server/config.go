// Package server implements the fleetcmd control server.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	Port int

	// Database
	DatabasePath string

	// Stale reclamation. A RUNNING command whose owner has not sent a
	// heartbeat within CommandTimeout is returned to PENDING. The timeout
	// should comfortably exceed the agent's 5s executing heartbeat
	// interval (at least 6x).
	CommandTimeout     time.Duration
	StaleCheckInterval time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:               parseInt("PORT", 3000),
		DatabasePath:       getEnv("DB_PATH", "./data/commands.db"),
		CommandTimeout:     parseMillis("COMMAND_TIMEOUT", 60000),
		StaleCheckInterval: parseMillis("STALE_CHECK_INTERVAL", 10000),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "PORT must be between 1 and 65535")
	}
	if c.DatabasePath == "" {
		errs = append(errs, "DB_PATH must not be empty")
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, "COMMAND_TIMEOUT must be positive")
	}
	if c.StaleCheckInterval <= 0 {
		errs = append(errs, "STALE_CHECK_INTERVAL must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ListenAddr returns the address for the HTTP listener.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// parseMillis reads an integer number of milliseconds.
func parseMillis(key string, defaultValue int64) time.Duration {
	ms := defaultValue
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			ms = i
		}
	}
	return time.Duration(ms) * time.Millisecond
}
