// Package appconfig loads process configuration from the environment
// (optionally seeded by a .env file via godotenv), falling back to
// documented defaults for everything not set.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is every environment-derived setting the process needs.
type Config struct {
	Port    string
	Host    string
	NodeEnv string

	CantonHost     string
	CantonJSONPort int
	CantonUseTLS   bool
	CantonJWTToken string

	PebbleAdminParty string
	OracleParty      string

	DatabasePath    string
	DatabaseDSN     string
	DatabaseWALMode bool

	AdminKey string

	SettlementBatchIntervalMS   int
	SettlementMaxBatchSize      int
	SettlementMaxRetries        int
	SettlementProposalTimeoutMS int
	SettlementRoundDelayMS      int

	EventProcessorInitialReconnectMS  int
	EventProcessorMaxReconnectMS      int
	EventProcessorReconnectMultiplier float64

	ReconciliationIntervalMS             int
	ReconciliationStaleThresholdMinutes  int
	ReconciliationDriftTolerance         string

	BootstrapTestParties bool

	LogLevel    string
	MetricsPort string
}

// Load reads a .env file if present (missing is not an error) and
// builds a Config from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("appconfig: reading .env: %w", err)
	}

	cfg := &Config{
		Port:    getEnv("PORT", "8080"),
		Host:    getEnv("HOST", "0.0.0.0"),
		NodeEnv: getEnv("NODE_ENV", "development"),

		CantonHost:     getEnv("CANTON_HOST", "localhost"),
		CantonJSONPort: getEnvInt("CANTON_JSON_PORT", 7575),
		CantonUseTLS:   getEnvBool("CANTON_USE_TLS", false),
		CantonJWTToken: os.Getenv("CANTON_JWT_TOKEN"),

		PebbleAdminParty: getEnv("PEBBLE_ADMIN_PARTY", "PebbleAdmin"),
		OracleParty:      getEnv("ORACLE_PARTY", "Oracle"),

		DatabasePath:    getEnv("DATABASE_PATH", "data/pebble.db"),
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		DatabaseWALMode: getEnvBool("DATABASE_WAL_MODE", true),

		AdminKey: os.Getenv("ADMIN_KEY"),

		SettlementBatchIntervalMS:   getEnvInt("SETTLEMENT_BATCH_INTERVAL_MS", 2000),
		SettlementMaxBatchSize:      getEnvInt("SETTLEMENT_MAX_BATCH_SIZE", 50),
		SettlementMaxRetries:        getEnvInt("SETTLEMENT_MAX_RETRIES", 5),
		SettlementProposalTimeoutMS: getEnvInt("SETTLEMENT_PROPOSAL_TIMEOUT_MS", 30000),
		SettlementRoundDelayMS:      getEnvInt("SETTLEMENT_ROUND_DELAY_MS", 250),

		EventProcessorInitialReconnectMS:  getEnvInt("EVENT_PROCESSOR_INITIAL_RECONNECT_MS", 1000),
		EventProcessorMaxReconnectMS:      getEnvInt("EVENT_PROCESSOR_MAX_RECONNECT_MS", 30000),
		EventProcessorReconnectMultiplier: getEnvFloat("EVENT_PROCESSOR_RECONNECT_MULTIPLIER", 2.0),

		ReconciliationIntervalMS:            getEnvInt("RECONCILIATION_INTERVAL_MS", 60000),
		ReconciliationStaleThresholdMinutes: getEnvInt("RECONCILIATION_STALE_THRESHOLD_MINUTES", 5),
		ReconciliationDriftTolerance:        getEnv("RECONCILIATION_DRIFT_TOLERANCE", "0.001"),

		BootstrapTestParties: getEnvBool("BOOTSTRAP_TEST_PARTIES", false),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
	}

	return cfg, nil
}

// SettlementBatchInterval is SettlementBatchIntervalMS as a Duration.
func (c *Config) SettlementBatchInterval() time.Duration {
	return time.Duration(c.SettlementBatchIntervalMS) * time.Millisecond
}

// SettlementProposalTimeout is SettlementProposalTimeoutMS as a Duration.
func (c *Config) SettlementProposalTimeout() time.Duration {
	return time.Duration(c.SettlementProposalTimeoutMS) * time.Millisecond
}

// SettlementRoundDelay is SettlementRoundDelayMS as a Duration.
func (c *Config) SettlementRoundDelay() time.Duration {
	return time.Duration(c.SettlementRoundDelayMS) * time.Millisecond
}

// EventProcessorInitialReconnect is EventProcessorInitialReconnectMS as a Duration.
func (c *Config) EventProcessorInitialReconnect() time.Duration {
	return time.Duration(c.EventProcessorInitialReconnectMS) * time.Millisecond
}

// EventProcessorMaxReconnect is EventProcessorMaxReconnectMS as a Duration.
func (c *Config) EventProcessorMaxReconnect() time.Duration {
	return time.Duration(c.EventProcessorMaxReconnectMS) * time.Millisecond
}

// ReconciliationInterval is ReconciliationIntervalMS as a Duration.
func (c *Config) ReconciliationInterval() time.Duration {
	return time.Duration(c.ReconciliationIntervalMS) * time.Millisecond
}

// ReconciliationStaleThreshold is ReconciliationStaleThresholdMinutes as a Duration.
func (c *Config) ReconciliationStaleThreshold() time.Duration {
	return time.Duration(c.ReconciliationStaleThresholdMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
