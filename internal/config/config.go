// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Fee settings. Rates are basis points of the checkpoint amount.
	PlatformUserID   string
	PlatformFeeBps   int64
	ConsultantFeeBps int64
	FeeSchedule      string // per-project overrides: "projectID:platformBps:consultantBps,..."

	// Payment settings
	Currency    string // ISO 4217 code for new wallets
	MaxPageSize int    // upper bound on transaction page size

	// Stripe top-ups
	StripeSecretKey     string
	StripeWebhookSecret string

	// Security
	RateLimitRPM int
	AdminSecret  string // Admin API secret

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing off if not set)
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultCurrency         = "USD"
	DefaultMaxPageSize      = 100
	DefaultRateLimit        = 300
	DefaultPlatformFeeBps   = 1000 // 10%
	DefaultConsultantFeeBps = 500  // 5%
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PlatformUserID:      getEnv("PLATFORM_USER_ID", "platform"),
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		ConsultantFeeBps:    getEnvInt64("CONSULTANT_FEE_BPS", DefaultConsultantFeeBps),
		FeeSchedule:         os.Getenv("FEE_SCHEDULE"),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		MaxPageSize:         int(getEnvInt64("MAX_PAGE_SIZE", DefaultMaxPageSize)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000, got %d", c.PlatformFeeBps)
	}
	if c.ConsultantFeeBps < 0 || c.ConsultantFeeBps > 10000 {
		return fmt.Errorf("CONSULTANT_FEE_BPS must be between 0 and 10000, got %d", c.ConsultantFeeBps)
	}
	if c.PlatformFeeBps+c.ConsultantFeeBps > 10000 {
		return fmt.Errorf("combined fee rates exceed 100%%: %d bps", c.PlatformFeeBps+c.ConsultantFeeBps)
	}
	if c.MaxPageSize <= 0 {
		return fmt.Errorf("MAX_PAGE_SIZE must be positive, got %d", c.MaxPageSize)
	}
	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when STRIPE_WEBHOOK_SECRET is set")
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
