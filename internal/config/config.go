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

	// Chain settings
	ChainID int64

	// Protection engine
	InitialStatus  string // starting protection status
	ShortCircuit   bool   // stop policy evaluation at first failure
	BlockOnUnknown bool   // reject swaps over assets with no safety verdict

	// Detection thresholds
	FeeMultiplier   float64
	PayloadLimit    int
	HighValueUSD    float64
	MaxImpactBps    int
	FeeWindowSize   int
	PairLookback    uint64
	KnownVenues     []string

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; empty disables tracing
}

// Base mainnet defaults
const (
	DefaultChainID       = 8453 // Base
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultStatus        = "active"
	DefaultFeeMultiplier = 1.5
	DefaultPayloadLimit  = 4096
	DefaultHighValueUSD  = 100000
	DefaultMaxImpactBps  = 200
	DefaultFeeWindow     = 256
	DefaultPairLookback  = 5
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		InitialStatus:  getEnv("INITIAL_STATUS", DefaultStatus),
		ShortCircuit:   getEnvBool("SHORT_CIRCUIT", false),
		BlockOnUnknown: getEnvBool("BLOCK_ON_UNKNOWN", false),
		FeeMultiplier:  getEnvFloat("FEE_MULTIPLIER", DefaultFeeMultiplier),
		PayloadLimit:   int(getEnvInt64("PAYLOAD_LIMIT", DefaultPayloadLimit)),
		HighValueUSD:   getEnvFloat("HIGH_VALUE_USD", DefaultHighValueUSD),
		MaxImpactBps:   int(getEnvInt64("MAX_IMPACT_BPS", DefaultMaxImpactBps)),
		FeeWindowSize:  int(getEnvInt64("FEE_WINDOW_SIZE", DefaultFeeWindow)),
		PairLookback:   uint64(getEnvInt64("PAIR_LOOKBACK", DefaultPairLookback)),
		KnownVenues:    getEnvList("KNOWN_VENUES"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	switch c.InitialStatus {
	case "disabled", "monitoring", "active":
	case "emergency":
		return fmt.Errorf("INITIAL_STATUS cannot be emergency; enter it through the emergency endpoint")
	default:
		return fmt.Errorf("INITIAL_STATUS must be one of disabled, monitoring, active")
	}

	if c.FeeMultiplier <= 1 {
		return fmt.Errorf("FEE_MULTIPLIER must be greater than 1")
	}

	if c.PayloadLimit <= 0 {
		return fmt.Errorf("PAYLOAD_LIMIT must be positive")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
