// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	MigrateOnStart bool

	// Observability
	OTLPEndpoint string // empty disables tracing

	// Security
	RateLimitRPM   int
	RateLimitBurst int
	AuthMaxSkew    time.Duration

	// FaucetEnabled exposes POST /v1/accounts/:address/fund.
	FaucetEnabled bool
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultRateLimit   = 120
	DefaultBurst       = 20
	DefaultAuthMaxSkew = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	skew, err := getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew)
	if err != nil {
		return nil, err
	}
	env := getEnv("ENV", DefaultEnv)

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            env,
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		MigrateOnStart: getEnvBool("MIGRATE_ON_START", true),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		RateLimitBurst: int(getEnvInt64("RATE_LIMIT_BURST", DefaultBurst)),
		AuthMaxSkew:    skew,
		FaucetEnabled:  getEnvBool("FAUCET_ENABLED", env == "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if c.AuthMaxSkew <= 0 {
		return fmt.Errorf("AUTH_MAX_SKEW must be positive")
	}
	if c.FaucetEnabled && c.IsProduction() {
		return fmt.Errorf("FAUCET_ENABLED must not be set in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
