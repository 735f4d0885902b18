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

	// App credentials (partner dashboard)
	ClientID     string
	ClientSecret string
	ProxySecret  string // App Proxy / webhook shared secret, defaults to ClientSecret

	// Install flow
	AppURL      string // Public base URL, e.g. https://casino.example.com
	Scopes      string // Requested OAuth scopes
	AllowedShop string // Optional single-shop allowlist, e.g. jouetmalins.myshopify.com
	ShopDomain  string // Fixed shop for the client_credentials deployment variant

	// Play settings
	PlayCost        int
	WinOdds         int
	JackpotAddCents int
	RewardVariantID string
	CreditsKey      string // "credits" or "plays" depending on deployment

	// Admin API
	APIVersion string

	// Storage
	TokensFile  string // JSON token file (used when DATABASE_URL is not set)
	DatabaseURL string // PostgreSQL connection string (optional)

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultPlayCost        = 1
	DefaultWinOdds         = 10000000
	DefaultJackpotAddCents = 10
	DefaultCreditsKey      = "credits"
	DefaultAPIVersion      = "2026-01"
	DefaultScopes          = "read_customers,write_customers,read_orders,write_orders"
	DefaultTokensFile      = "tokens.json"
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		ClientID:        os.Getenv("CLIENT_ID"),
		ClientSecret:    os.Getenv("CLIENT_SECRET"),
		ProxySecret:     os.Getenv("PROXY_SECRET"),
		AppURL:          strings.TrimRight(os.Getenv("APP_URL"), "/"),
		Scopes:          getEnv("SCOPES", DefaultScopes),
		AllowedShop:     normalizeShop(os.Getenv("ALLOWED_SHOP")),
		ShopDomain:      normalizeShop(os.Getenv("SHOP_MYSHOPIFY_DOMAIN")),
		PlayCost:        getEnvPositive("PLAY_COST", DefaultPlayCost),
		WinOdds:         getEnvPositive("WIN_ODDS", DefaultWinOdds),
		JackpotAddCents: getEnvPositive("JACKPOT_ADD_CENTS", DefaultJackpotAddCents),
		RewardVariantID: strings.TrimSpace(os.Getenv("REWARD_VARIANT_ID")),
		CreditsKey:      getEnv("CREDITS_METAFIELD_KEY", DefaultCreditsKey),
		APIVersion:      getEnv("API_VERSION", DefaultAPIVersion),
		TokensFile:      getEnv("TOKENS_FILE", DefaultTokensFile),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses file store if not set
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:    getEnvPositive("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	// App proxies and webhooks registered by the app are signed with the app
	// secret unless a dedicated secret is configured.
	if cfg.ProxySecret == "" {
		cfg.ProxySecret = cfg.ClientSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("CLIENT_SECRET is required")
	}
	if c.CreditsKey != "credits" && c.CreditsKey != "plays" {
		return fmt.Errorf("CREDITS_METAFIELD_KEY must be \"credits\" or \"plays\"")
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

// getEnvPositive parses a positive integer; non-numeric or non-positive
// values fall back to the default.
func getEnvPositive(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func normalizeShop(shop string) string {
	return strings.ToLower(strings.TrimSpace(shop))
}
