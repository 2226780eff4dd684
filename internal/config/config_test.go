package config

import (
	"strings"
	"testing"
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("UNMATCHED_TARGET_POLICY", "ignore")
	t.Setenv("BASE_ASSET_ID", string(types.AssetDevnetUSDC))
	t.Setenv("BASE_ASSET_SYMBOL", "USDC")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want %v", cfg.Cache.TTL, 30*time.Second)
	}

	if cfg.Ledger.CreationPolicy != types.PolicyIgnore {
		t.Errorf("Ledger.CreationPolicy = %v, want %v", cfg.Ledger.CreationPolicy, types.PolicyIgnore)
	}

	if cfg.Ledger.BaseAsset != types.AssetDevnetUSDC {
		t.Errorf("Ledger.BaseAsset = %v", cfg.Ledger.BaseAsset)
	}

	if cfg.Ledger.DefaultSlippageBps != types.DefaultSlippageBps {
		t.Errorf("Ledger.DefaultSlippageBps = %v, want %v", cfg.Ledger.DefaultSlippageBps, types.DefaultSlippageBps)
	}
}

func TestLoadConfigRejectsInvalidPolicy(t *testing.T) {
	t.Setenv("UNMATCHED_TARGET_POLICY", "sometimes")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "UNMATCHED_TARGET_POLICY") {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Ledger: LedgerConfig{
				BaseAsset:          types.AssetWrappedSOL,
				BaseSymbol:         "SOL",
				CreationPolicy:     types.PolicyCreate,
				DefaultSlippageBps: 50,
			},
			Auth:        AuthConfig{Mode: types.AuthSignature},
			Lock:        LockConfig{TTL: time.Second},
			Idempotency: IdempotencyConfig{TTL: time.Hour},
			RateLimit:   RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "empty base asset", mutate: func(c *Config) { c.Ledger.BaseAsset = "" }, wantErr: "BASE_ASSET_ID"},
		{name: "long symbol", mutate: func(c *Config) { c.Ledger.BaseSymbol = strings.Repeat("S", 33) }, wantErr: "BASE_ASSET_SYMBOL"},
		{name: "slippage above 100%", mutate: func(c *Config) { c.Ledger.DefaultSlippageBps = 10001 }, wantErr: "DEFAULT_SLIPPAGE_BPS"},
		{name: "unknown auth mode", mutate: func(c *Config) { c.Auth.Mode = "none" }, wantErr: "AUTH_MODE"},
		{name: "zero lock ttl", mutate: func(c *Config) { c.Lock.TTL = 0 }, wantErr: "LOCK_TTL"},
		{name: "zero idempotency ttl", mutate: func(c *Config) { c.Idempotency.TTL = 0 }, wantErr: "IDEMPOTENCY_TTL"},
		{name: "zero burst", mutate: func(c *Config) { c.RateLimit.Burst = 0 }, wantErr: "RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseAssetSymbols(t *testing.T) {
	symbols := parseAssetSymbols(" mintA=AAA, mintB = BBB ,broken, =X,mintC=")

	if symbols["mintA"] != "AAA" || symbols["mintB"] != "BBB" {
		t.Errorf("parsed symbols = %v", symbols)
	}
	if _, ok := symbols["mintC"]; ok {
		t.Error("entry without a symbol should be skipped")
	}
	if symbols[types.AssetWrappedSOL] != "SOL" || symbols[types.AssetDevnetUSDC] != "USDC" {
		t.Error("well-known mints should always be present")
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{"returns integer when valid", "TEST_INT", 100, "200", 200},
		{"returns default when invalid", "TEST_INT_INVALID", 100, "invalid", 100},
		{"returns default when not set", "TEST_INT_NOTSET", 100, "", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBoolAndDuration(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_BOOL_INVALID", "maybe")
	t.Setenv("TEST_DURATION", "45s")
	t.Setenv("TEST_DURATION_INVALID", "soon")

	if getEnvAsBool("TEST_BOOL", true) {
		t.Error("getEnvAsBool() should parse false")
	}
	if !getEnvAsBool("TEST_BOOL_INVALID", true) {
		t.Error("getEnvAsBool() should fall back on invalid input")
	}
	if got := getEnvAsDuration("TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("getEnvAsDuration() = %v", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_INVALID", time.Second); got != time.Second {
		t.Errorf("getEnvAsDuration() = %v, want default", got)
	}
}

func TestPostgresURL(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: "5432", Database: "rb", User: "u", Password: "p"}
	if got := cfg.URL(); got != "postgres://u:p@db:5432/rb?sslmode=disable" {
		t.Errorf("URL() = %s", got)
	}
}
