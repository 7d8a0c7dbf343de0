// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Risk engine settings
	RiskThreshold         float64  // Score at or above which manual review is required
	MaxTransactionAmount  string   // Absolute amount ceiling (decimal string)
	VelocityWindowMinutes int      // Default window for velocity rules
	HighRiskCountries     []string // Extra high-risk country codes
	CacheSeedHours        int      // How far back to seed the history cache on startup

	// Alerting
	AlertRetryAttempts int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultRiskThreshold         = 70.0
	DefaultMaxTransactionAmount  = "50000"
	DefaultVelocityWindowMinutes = 60
	DefaultCacheSeedHours        = 24
	DefaultAlertRetryAttempts    = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RiskThreshold:         getEnvFloat("RISK_THRESHOLD", DefaultRiskThreshold),
		MaxTransactionAmount:  getEnv("MAX_TRANSACTION_AMOUNT", DefaultMaxTransactionAmount),
		VelocityWindowMinutes: int(getEnvInt64("VELOCITY_WINDOW_MINUTES", DefaultVelocityWindowMinutes)),
		HighRiskCountries:     getEnvList("HIGH_RISK_COUNTRIES", []string{"XX", "YY"}),
		CacheSeedHours:        int(getEnvInt64("CACHE_SEED_HOURS", DefaultCacheSeedHours)),
		AlertRetryAttempts:    int(getEnvInt64("ALERT_RETRY_ATTEMPTS", DefaultAlertRetryAttempts)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("RISK_THRESHOLD must be between 0 and 100")
	}
	if _, err := strconv.ParseFloat(c.MaxTransactionAmount, 64); err != nil {
		return fmt.Errorf("MAX_TRANSACTION_AMOUNT must be a decimal number")
	}
	if c.VelocityWindowMinutes <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW_MINUTES must be positive")
	}
	if c.CacheSeedHours <= 0 {
		return fmt.Errorf("CACHE_SEED_HOURS must be positive")
	}
	for _, code := range c.HighRiskCountries {
		if len(code) != 2 {
			return fmt.Errorf("HIGH_RISK_COUNTRIES entries must be 2-letter codes, got %q", code)
		}
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
