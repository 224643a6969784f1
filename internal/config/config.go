// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/taskmarket/internal/fees"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // enables the shared sweep lease across instances
	AutoMigrate bool

	// Payments
	StripeSecretKey string
	Currency        string // ISO code the gateway must see on every captured payment; empty skips the check

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
	CORSOrigins []string // CORS_ALLOWED_ORIGINS, comma-separated; empty disables CORS

	// Operator notification sink
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Escrow lifecycle
	GracePeriod      time.Duration
	SweepInterval    time.Duration
	SweepBatch       int
	DispatchInterval time.Duration
	Commission       fees.Schedule
	Cancellation     fees.CancellationPolicy
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultGracePeriod      = 48 * time.Hour
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepBatch       = 100
	DefaultDispatchInterval = 15 * time.Second
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
		LogFormat:           os.Getenv("LOG_FORMAT"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		Currency:            strings.ToLower(os.Getenv("PAYMENT_CURRENCY")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		GracePeriod:         getEnvDuration("ESCROW_GRACE_PERIOD", DefaultGracePeriod),
		SweepInterval:       getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatch:          int(getEnvInt64("ESCROW_SWEEP_BATCH", DefaultSweepBatch)),
		DispatchInterval:    getEnvDuration("EFFECT_DISPATCH_INTERVAL", DefaultDispatchInterval),
		Commission: fees.Schedule{
			StandardBps:   getEnvInt64("COMMISSION_STANDARD_BPS", fees.DefaultStandardBps),
			SubscribedBps: getEnvInt64("COMMISSION_SUBSCRIBED_BPS", fees.DefaultSubscribedBps),
		},
		Cancellation: fees.CancellationPolicy{
			FeeBps:     getEnvInt64("CANCELLATION_FEE_BPS", fees.DefaultCancelFeeBps),
			MinimumFee: getEnvInt64("CANCELLATION_MIN_FEE", fees.DefaultCancelMinFee),
		},
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if err := c.Commission.Validate(); err != nil {
		return fmt.Errorf("COMMISSION_*: %w", err)
	}
	if err := c.Cancellation.Validate(); err != nil {
		return fmt.Errorf("CANCELLATION_*: %w", err)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("ESCROW_GRACE_PERIOD must be positive")
	}
	if c.SweepInterval <= 0 || c.DispatchInterval <= 0 {
		return fmt.Errorf("ESCROW_SWEEP_INTERVAL and EFFECT_DISPATCH_INTERVAL must be positive")
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("ESCROW_SWEEP_BATCH must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
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

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
