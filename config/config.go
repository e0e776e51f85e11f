// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseType   string        `env:"DATABASE_TYPE" envDefault:"sqlite"`
	DatabaseURL    string        `env:"DATABASE_URL" envDefault:"file:rooms.db"`
	AdminSecret    string        `env:"ADMIN_SIGNING_KEY"`
	PingInterval   time.Duration `env:"PING_INTERVAL" envDefault:"25s"`
	AdminWindow    time.Duration `env:"ADMIN_WINDOW" envDefault:"5m"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_TYPE %q", c.DatabaseType)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.AdminWindow < 0 {
		return fmt.Errorf("ADMIN_WINDOW must not be negative, got %s", c.AdminWindow)
	}
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return nil
}

// Level maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
