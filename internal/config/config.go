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

	// Site
	SiteBaseURL string // Public base URL used to build redirect/callback URLs

	// Payment provider
	Provider ProviderConfig

	// Checkout behaviour
	CheckoutTTLMinutes int // Minutes before a PENDING intent expires

	// Mobile deep links
	AffiliateKey       string // Provider affiliate/app key embedded in deep links
	DeepLinkFallbackMS int    // How long the client waits before falling back to web checkout

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty

	RateLimitRPM int
}

// ProviderConfig carries the payment provider credentials. It is constructed
// once at startup and passed by reference into the provider client and the
// webhook verifier; nothing below the config layer reads the environment.
type ProviderConfig struct {
	APIBaseURL    string
	ClientID      string
	ClientSecret  string
	WebhookSecret string // HMAC key for inbound webhook signatures
}

// Available reports whether real checkouts can be created. Missing
// credentials put the whole payment path into degraded (mock) mode.
func (p ProviderConfig) Available() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultProviderBaseURL  = "https://api.sumup.com/v0.1"
	DefaultSiteBaseURL      = "http://localhost:8080"
	DefaultCheckoutTTL      = 30   // minutes
	DefaultDeepLinkFallback = 2000 // milliseconds
	DefaultRateLimit        = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SiteBaseURL: strings.TrimRight(getEnv("SITE_BASE_URL", DefaultSiteBaseURL), "/"),
		Provider: ProviderConfig{
			APIBaseURL:    strings.TrimRight(getEnv("PROVIDER_API_URL", DefaultProviderBaseURL), "/"),
			ClientID:      os.Getenv("PROVIDER_CLIENT_ID"),     // Optional, degraded mode if absent
			ClientSecret:  os.Getenv("PROVIDER_CLIENT_SECRET"), // Optional, degraded mode if absent
			WebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		},
		CheckoutTTLMinutes: int(getEnvInt64("CHECKOUT_TTL_MINUTES", DefaultCheckoutTTL)),
		AffiliateKey:       os.Getenv("PROVIDER_AFFILIATE_KEY"),
		DeepLinkFallbackMS: int(getEnvInt64("DEEPLINK_FALLBACK_MS", DefaultDeepLinkFallback)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent. Provider
// credentials are intentionally not required: their absence switches the
// adapter into degraded mode rather than failing startup.
func (c *Config) Validate() error {
	if c.SiteBaseURL == "" {
		return fmt.Errorf("SITE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.SiteBaseURL, "http://") && !strings.HasPrefix(c.SiteBaseURL, "https://") {
		return fmt.Errorf("SITE_BASE_URL must be an http(s) URL")
	}
	if c.CheckoutTTLMinutes <= 0 {
		return fmt.Errorf("CHECKOUT_TTL_MINUTES must be positive")
	}
	if c.DeepLinkFallbackMS <= 0 {
		return fmt.Errorf("DEEPLINK_FALLBACK_MS must be positive")
	}

	// Half-configured credentials are a deployment mistake, not degraded mode.
	p := c.Provider
	if (p.ClientID == "") != (p.ClientSecret == "") {
		return fmt.Errorf("PROVIDER_CLIENT_ID and PROVIDER_CLIENT_SECRET must be set together")
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
