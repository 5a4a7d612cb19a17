// Package config loads relay configuration from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime settings. Fields are populated from environment
// variables prefixed with BYTECHAT (BYTECHAT_HOST, BYTECHAT_PORT_MIN, ...).
type Config struct {
	Host    string `envconfig:"HOST" default:"0.0.0.0"`
	PortMin int    `envconfig:"PORT_MIN" default:"5000"`
	PortMax int    `envconfig:"PORT_MAX" default:"5010"`

	DBPath string `envconfig:"DB_PATH" default:"messages.db"`

	// AllowedOrigins restricts websocket and CORS origins. Empty means any
	// origin is accepted, matching the original open demo deployment.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// TrustedProxies are IPs or CIDRs whose X-Forwarded-For headers the rate
	// limiter may believe.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// WebDir is served at /; empty disables static file serving.
	WebDir string `envconfig:"WEB_DIR" default:"web"`
}

// Load reads config from the environment. A .env file is applied first if
// present so local development does not need exported variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("bytechat", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.PortMin <= 0 || cfg.PortMin > 65535 || cfg.PortMax <= 0 || cfg.PortMax > 65535 {
		return nil, fmt.Errorf("port range %d-%d out of bounds", cfg.PortMin, cfg.PortMax)
	}
	if cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("BYTECHAT_PORT_MAX (%d) must not be below BYTECHAT_PORT_MIN (%d)", cfg.PortMax, cfg.PortMin)
	}

	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
	for i, proxy := range cfg.TrustedProxies {
		cfg.TrustedProxies[i] = strings.TrimSpace(proxy)
	}

	return &cfg, nil
}
