package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PROVIDER_CLIENT_ID", "")
	setEnv(t, "PROVIDER_CLIENT_SECRET", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultProviderBaseURL, cfg.Provider.APIBaseURL)
	assert.Equal(t, DefaultCheckoutTTL, cfg.CheckoutTTLMinutes)
	assert.False(t, cfg.Provider.Available(), "no credentials means degraded mode")
}

func TestLoad_WithCredentials(t *testing.T) {
	setEnv(t, "PROVIDER_CLIENT_ID", "cc_classic_abc")
	setEnv(t, "PROVIDER_CLIENT_SECRET", "s3cret")
	setEnv(t, "PROVIDER_WEBHOOK_SECRET", "whsec")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Provider.Available())
	assert.Equal(t, "whsec", cfg.Provider.WebhookSecret)
}

func TestLoad_HalfConfiguredCredentials(t *testing.T) {
	setEnv(t, "PROVIDER_CLIENT_ID", "cc_classic_abc")
	setEnv(t, "PROVIDER_CLIENT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must be set together")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		SiteBaseURL:        "https://tavolo.example",
		CheckoutTTLMinutes: 30,
		DeepLinkFallbackMS: 2000,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "missing site base url",
			mutate:  func(c *Config) { c.SiteBaseURL = "" },
			wantErr: "SITE_BASE_URL is required",
		},
		{
			name:    "non-http site base url",
			mutate:  func(c *Config) { c.SiteBaseURL = "ftp://x" },
			wantErr: "http(s)",
		},
		{
			name:    "zero checkout ttl",
			mutate:  func(c *Config) { c.CheckoutTTLMinutes = 0 },
			wantErr: "CHECKOUT_TTL_MINUTES",
		},
		{
			name:    "zero fallback delay",
			mutate:  func(c *Config) { c.DeepLinkFallbackMS = 0 },
			wantErr: "DEEPLINK_FALLBACK_MS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestProviderConfig_Available(t *testing.T) {
	assert.False(t, ProviderConfig{}.Available())
	assert.False(t, ProviderConfig{ClientID: "id"}.Available())
	assert.True(t, ProviderConfig{ClientID: "id", ClientSecret: "sec"}.Available())
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
