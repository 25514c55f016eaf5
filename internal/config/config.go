// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbd888/splitpay/internal/splits"
	"github.com/mbd888/splitpay/internal/usdc"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text", "json", "tint"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply pending migrations at startup

	// Ledger. An empty RPCURL runs the contracts on an in-process devnet.
	RPCURL              string
	ChainID             int64
	TokenContract       string
	SplitLedgerContract string
	TreasuryAddress     string
	StakingPoolAddress  string

	Economics Economics

	// Payment intents
	IntentTTL     time.Duration
	SweepInterval time.Duration

	// Settlement listener
	ConfirmationDepth uint64
	PollInterval      time.Duration
	WatchdogThreshold time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Observability
	OTLPEndpoint string
	// TraceSampleRatio is the fraction of root spans kept, 0 to 1.
	TraceSampleRatio float64
	SentryDSN        string

	RateLimitRPS int
	// CORSOrigins lists browser origins allowed to call the API. "*" allows any.
	CORSOrigins []string
}

// Economics are the admin-set parameters. Version is recorded on every
// intent so a change never applies retroactively.
type Economics struct {
	Version        int
	SplitWeights   splits.Weights
	MinPayment     string
	MaxPayment     string
	UnbondingDelay time.Duration
	AppealWindow   time.Duration
	AppealBondBPS  uint32
	TierThresholds [4]int64 // whole tokens, Basic..Enterprise
	SlashTierBPS   [4]uint32
}

// SplitSchedule returns the versioned split weights.
func (e Economics) SplitSchedule() splits.Schedule {
	return splits.Schedule{Version: e.Version, Weights: e.SplitWeights}
}

// Base Sepolia defaults
const (
	DefaultChainID           = 84532
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMinPayment        = "0.01"
	DefaultMaxPayment        = "10000"
	DefaultIntentTTL         = 15 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultConfirmationDepth = 12
	DefaultPollInterval      = 5 * time.Second
	DefaultWatchdogThreshold = 2 * time.Minute
	DefaultUnbondingDelay    = 7 * 24 * time.Hour
	DefaultAppealWindow      = 72 * time.Hour
	DefaultAppealBondBPS     = 1000
	DefaultRateLimit         = 20
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
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnv("AUTO_MIGRATE", "false") == "true",
		RPCURL:              os.Getenv("RPC_URL"),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:       os.Getenv("TOKEN_CONTRACT"),
		SplitLedgerContract: os.Getenv("SPLIT_LEDGER_CONTRACT"),
		TreasuryAddress:     os.Getenv("TREASURY_ADDRESS"),
		StakingPoolAddress:  os.Getenv("STAKING_POOL_ADDRESS"),
		IntentTTL:           getEnvDuration("INTENT_TTL", DefaultIntentTTL),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ConfirmationDepth:   uint64(getEnvInt64("CONFIRMATION_DEPTH", DefaultConfirmationDepth)),
		PollInterval:        getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		WatchdogThreshold:   getEnvDuration("WATCHDOG_THRESHOLD", DefaultWatchdogThreshold),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:         splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	econ, err := loadEconomics()
	if err != nil {
		return nil, err
	}
	cfg.Economics = econ

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultEconomics returns the launch parameters.
func DefaultEconomics() Economics {
	return Economics{
		Version:        1,
		SplitWeights:   splits.DefaultWeights,
		MinPayment:     DefaultMinPayment,
		MaxPayment:     DefaultMaxPayment,
		UnbondingDelay: DefaultUnbondingDelay,
		AppealWindow:   DefaultAppealWindow,
		AppealBondBPS:  DefaultAppealBondBPS,
		TierThresholds: [4]int64{100, 500, 2_000, 10_000},
		SlashTierBPS:   [4]uint32{1000, 3000, 6000, 10000},
	}
}

func loadEconomics() (Economics, error) {
	e := DefaultEconomics()
	e.Version = int(getEnvInt64("ECONOMICS_VERSION", int64(e.Version)))
	e.MinPayment = getEnv("MIN_PAYMENT", e.MinPayment)
	e.MaxPayment = getEnv("MAX_PAYMENT", e.MaxPayment)
	e.UnbondingDelay = getEnvDuration("UNBONDING_DELAY", e.UnbondingDelay)
	e.AppealWindow = getEnvDuration("APPEAL_WINDOW", e.AppealWindow)
	e.AppealBondBPS = uint32(getEnvInt64("APPEAL_BOND_BPS", int64(e.AppealBondBPS)))

	if v := os.Getenv("SPLIT_BPS"); v != "" {
		w, err := splits.ParseWeights(v)
		if err != nil {
			return e, fmt.Errorf("SPLIT_BPS: %w", err)
		}
		e.SplitWeights = w
	}
	if v := os.Getenv("TIER_THRESHOLDS"); v != "" {
		vals, err := parseInts(v)
		if err != nil {
			return e, fmt.Errorf("TIER_THRESHOLDS: %w", err)
		}
		copy(e.TierThresholds[:], vals)
	}
	if v := os.Getenv("SLASH_TIER_BPS"); v != "" {
		vals, err := parseInts(v)
		if err != nil {
			return e, fmt.Errorf("SLASH_TIER_BPS: %w", err)
		}
		for i, x := range vals {
			e.SlashTierBPS[i] = uint32(x)
		}
	}
	return e, nil
}

// parseInts parses exactly four comma-separated non-negative integers.
func parseInts(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid value %q", p)
		}
		out[i] = v
	}
	return out, nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if err := c.Economics.SplitWeights.Validate(); err != nil {
		return fmt.Errorf("SPLIT_BPS: %w", err)
	}

	minPay, ok := usdc.Parse(c.Economics.MinPayment)
	if !ok || minPay.Sign() <= 0 {
		return fmt.Errorf("MIN_PAYMENT must be a positive amount")
	}
	maxPay, ok := usdc.Parse(c.Economics.MaxPayment)
	if !ok {
		return fmt.Errorf("MAX_PAYMENT must be a valid amount")
	}
	if minPay.Cmp(maxPay) > 0 {
		return fmt.Errorf("MIN_PAYMENT must not exceed MAX_PAYMENT")
	}

	for i := 1; i < len(c.Economics.TierThresholds); i++ {
		if c.Economics.TierThresholds[i] <= c.Economics.TierThresholds[i-1] {
			return fmt.Errorf("TIER_THRESHOLDS must be strictly increasing")
		}
	}
	prev := uint32(0)
	for _, bps := range c.Economics.SlashTierBPS {
		if bps == 0 || bps > splits.TotalBPS || bps < prev {
			return fmt.Errorf("SLASH_TIER_BPS must be ascending values in 1..10000")
		}
		prev = bps
	}
	if c.Economics.AppealBondBPS > splits.TotalBPS {
		return fmt.Errorf("APPEAL_BOND_BPS must not exceed 10000")
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	if c.IntentTTL <= 0 {
		return fmt.Errorf("INTENT_TTL must be positive")
	}

	for name, v := range map[string]string{
		"TOKEN_CONTRACT":        c.TokenContract,
		"SPLIT_LEDGER_CONTRACT": c.SplitLedgerContract,
		"TREASURY_ADDRESS":      c.TreasuryAddress,
		"STAKING_POOL_ADDRESS":  c.StakingPoolAddress,
	} {
		if v != "" && !common.IsHexAddress(v) {
			return fmt.Errorf("%s must be a hex address", name)
		}
		if v == "" && !c.Devnet() {
			return fmt.Errorf("%s is required when RPC_URL is set", name)
		}
	}

	return nil
}

// Devnet reports whether the contracts run in-process.
func (c *Config) Devnet() bool {
	return c.RPCURL == ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
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
