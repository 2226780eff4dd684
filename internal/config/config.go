// Package config provides configuration management for the portfolio rebalancer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/portfolio-rebalancer/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Lock          LockConfig
	Idempotency   IdempotencyConfig
	Ledger        LedgerConfig
	Collaborators CollaboratorsConfig
	Auth          AuthConfig
	Monitor       MonitorConfig
	RateLimit     RateLimitConfig
	Logging       LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CacheConfig holds read cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// LockConfig holds per-portfolio lock configuration
type LockConfig struct {
	TTL  time.Duration // Lock expiry, bounds how long a crashed holder blocks the record
	Wait time.Duration // How long an operation waits for a busy record
}

// IdempotencyConfig holds how long applied idempotency keys are remembered
type IdempotencyConfig struct {
	TTL time.Duration
}

// LedgerConfig holds ledger policy
type LedgerConfig struct {
	BaseAsset          types.AssetID
	BaseSymbol         string
	CreationPolicy     types.CreationPolicy
	DefaultSlippageBps types.BasisPoints
	AssetSymbols       map[types.AssetID]string
}

// CollaboratorsConfig holds transfer and swap service endpoints
type CollaboratorsConfig struct {
	TransferURL   string
	SwapURL       string
	Timeout       time.Duration
	RetryAttempts int
}

// AuthConfig holds identity verification settings
type AuthConfig struct {
	Mode    types.AuthMode
	MaxSkew time.Duration // Accepted clock difference for signed request timestamps
}

// MonitorConfig holds drift monitor configuration
type MonitorConfig struct {
	Interval time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	baseAsset := types.AssetID(getEnv("BASE_ASSET_ID", string(types.AssetWrappedSOL)))

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "portfolio_rebalancer"),
				User:           getEnv("POSTGRES_USER", "rebalancer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "portfolio_rebalancer"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", true),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		Lock: LockConfig{
			TTL:  getEnvAsDuration("LOCK_TTL", 30*time.Second),
			Wait: getEnvAsDuration("LOCK_WAIT", 2*time.Second),
		},
		Idempotency: IdempotencyConfig{
			TTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Ledger: LedgerConfig{
			BaseAsset:          baseAsset,
			BaseSymbol:         getEnv("BASE_ASSET_SYMBOL", "SOL"),
			CreationPolicy:     types.CreationPolicy(getEnv("UNMATCHED_TARGET_POLICY", string(types.PolicyCreate))),
			DefaultSlippageBps: types.BasisPoints(getEnvAsInt("DEFAULT_SLIPPAGE_BPS", int(types.DefaultSlippageBps))), // #nosec G115 - range checked in Validate
			AssetSymbols:       parseAssetSymbols(getEnv("ASSET_SYMBOLS", "")),
		},
		Collaborators: CollaboratorsConfig{
			TransferURL:   getEnv("TRANSFER_SERVICE_URL", "http://localhost:8081"),
			SwapURL:       getEnv("SWAP_SERVICE_URL", "http://localhost:8082"),
			Timeout:       getEnvAsDuration("COLLABORATOR_TIMEOUT", 10*time.Second),
			RetryAttempts: getEnvAsInt("COLLABORATOR_RETRY_ATTEMPTS", 3),
		},
		Auth: AuthConfig{
			Mode:    types.AuthMode(getEnv("AUTH_MODE", string(types.AuthSignature))),
			MaxSkew: getEnvAsDuration("AUTH_MAX_SKEW", 5*time.Minute),
		},
		Monitor: MonitorConfig{
			Interval: getEnvAsDuration("MONITOR_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if _, ok := config.Ledger.AssetSymbols[baseAsset]; !ok {
		config.Ledger.AssetSymbols[baseAsset] = config.Ledger.BaseSymbol
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the ledger cannot run with
func (c *Config) Validate() error {
	if c.Ledger.BaseAsset == "" || len(c.Ledger.BaseAsset) > types.MaxAssetIDLength {
		return fmt.Errorf("BASE_ASSET_ID must be 1..%d characters", types.MaxAssetIDLength)
	}
	if c.Ledger.BaseSymbol == "" || len(c.Ledger.BaseSymbol) > types.MaxSymbolLength {
		return fmt.Errorf("BASE_ASSET_SYMBOL must be 1..%d characters", types.MaxSymbolLength)
	}
	if !c.Ledger.CreationPolicy.Valid() {
		return fmt.Errorf("UNMATCHED_TARGET_POLICY must be %q or %q, got %q", types.PolicyCreate, types.PolicyIgnore, c.Ledger.CreationPolicy)
	}
	if c.Ledger.DefaultSlippageBps > types.MaxBasisPoints {
		return fmt.Errorf("DEFAULT_SLIPPAGE_BPS must not exceed %d", types.MaxBasisPoints)
	}
	if c.Auth.Mode != types.AuthSignature && c.Auth.Mode != types.AuthHeader {
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", types.AuthSignature, types.AuthHeader, c.Auth.Mode)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// parseAssetSymbols parses "id=SYMBOL,id2=SYMBOL2"
func parseAssetSymbols(raw string) map[types.AssetID]string {
	symbols := map[types.AssetID]string{
		types.AssetWrappedSOL: "SOL",
		types.AssetDevnetUSDC: "USDC",
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		id, symbol, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(id) == "" || strings.TrimSpace(symbol) == "" {
			continue
		}
		symbols[types.AssetID(strings.TrimSpace(id))] = strings.TrimSpace(symbol)
	}

	return symbols
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
