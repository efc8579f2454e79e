// Package config loads checkout settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/renaissblock/checkout/balance"
	"github.com/renaissblock/checkout/minttrack"
	"github.com/renaissblock/checkout/onramp"
	"github.com/renaissblock/checkout/settlement"
)

// Config aggregates checkout configuration values.
type Config struct {
	Backend    BackendConfig
	Wallet     WalletConfig
	Balance    BalanceConfig
	Settlement SettlementConfig
	Conversion ConversionConfig
	Mint       MintConfig
	Logging    LoggingConfig
}

// BackendConfig locates the ledger/order service.
type BackendConfig struct {
	URL            string
	AuthToken      string
	Timeout        time.Duration
	RetryBaseDelay time.Duration
}

// WalletConfig selects the local signing wallet.
type WalletConfig struct {
	Kind       string // svm|evm
	PrivateKey string
}

type BalanceConfig struct {
	StaleRefreshDelay time.Duration
	SyncPollInterval  time.Duration
	MaxSyncPolls      int
}

type SettlementConfig struct {
	RecoveryDelay    time.Duration
	RecoveryInterval time.Duration
	RecoveryAttempts int
}

type ConversionConfig struct {
	PollInterval       time.Duration
	ClosedPollAttempts int
	AutoOpenDelay      time.Duration
	BalanceThreshold   decimal.Decimal
}

type MintConfig struct {
	PollInterval time.Duration
	Ceiling      time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	WalletSVM = "svm"
	WalletEVM = "evm"
)

const (
	defaultBackendURL     = "http://localhost:8000"
	defaultTimeout        = 30 * time.Second
	defaultRetryBaseDelay = 1 * time.Second
	defaultLoggingLevel   = "info"
	defaultLoggingFormat  = "text"
)

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			URL:            defaultBackendURL,
			Timeout:        defaultTimeout,
			RetryBaseDelay: defaultRetryBaseDelay,
		},
		Wallet: WalletConfig{Kind: WalletSVM},
		Balance: BalanceConfig{
			StaleRefreshDelay: balance.DefaultStaleRefreshDelay,
			SyncPollInterval:  balance.DefaultSyncPollInterval,
		},
		Settlement: SettlementConfig{
			RecoveryDelay:    settlement.DefaultRecoveryDelay,
			RecoveryInterval: settlement.DefaultRecoveryInterval,
			RecoveryAttempts: settlement.DefaultRecoveryAttempts,
		},
		Conversion: ConversionConfig{
			PollInterval:       onramp.DefaultPollInterval,
			ClosedPollAttempts: onramp.DefaultClosedPollAttempts,
			AutoOpenDelay:      onramp.DefaultAutoOpenDelay,
			BalanceThreshold:   onramp.DefaultBalanceThreshold,
		},
		Mint: MintConfig{
			PollInterval: minttrack.DefaultInterval,
			Ceiling:      minttrack.DefaultCeiling,
		},
		Logging: LoggingConfig{
			Level:  defaultLoggingLevel,
			Format: defaultLoggingFormat,
		},
	}
}

// Load reads configuration from environment variables, applying defaults.
// Each of files is loaded into the environment first without overriding
// variables already set. With no files, ./.env is used if present.
func Load(files ...string) (Config, error) {
	if err := loadDotenv(files); err != nil {
		return Config{}, err
	}

	cfg := Default()
	cfg.Backend.URL = strings.TrimSuffix(valueOrDefault("CHECKOUT_BACKEND_URL", cfg.Backend.URL), "/")
	cfg.Backend.AuthToken = os.Getenv("CHECKOUT_AUTH_TOKEN")
	cfg.Wallet.Kind = strings.ToLower(valueOrDefault("CHECKOUT_WALLET_KIND", cfg.Wallet.Kind))
	cfg.Wallet.PrivateKey = os.Getenv("CHECKOUT_WALLET_KEY")
	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.IncludeCaller = parseBoolWithDefault("LOG_INCLUDE_CALLER", false)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CHECKOUT_HTTP_TIMEOUT", &cfg.Backend.Timeout},
		{"CHECKOUT_RETRY_BASE_DELAY", &cfg.Backend.RetryBaseDelay},
		{"CHECKOUT_STALE_REFRESH_DELAY", &cfg.Balance.StaleRefreshDelay},
		{"CHECKOUT_SYNC_POLL_INTERVAL", &cfg.Balance.SyncPollInterval},
		{"CHECKOUT_RECOVERY_DELAY", &cfg.Settlement.RecoveryDelay},
		{"CHECKOUT_RECOVERY_INTERVAL", &cfg.Settlement.RecoveryInterval},
		{"CHECKOUT_CONVERSION_POLL_INTERVAL", &cfg.Conversion.PollInterval},
		{"CHECKOUT_CONVERSION_AUTO_OPEN_DELAY", &cfg.Conversion.AutoOpenDelay},
		{"CHECKOUT_MINT_POLL_INTERVAL", &cfg.Mint.PollInterval},
		{"CHECKOUT_MINT_CEILING", &cfg.Mint.Ceiling},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHECKOUT_MAX_SYNC_POLLS", &cfg.Balance.MaxSyncPolls},
		{"CHECKOUT_RECOVERY_ATTEMPTS", &cfg.Settlement.RecoveryAttempts},
		{"CHECKOUT_CONVERSION_CLOSED_ATTEMPTS", &cfg.Conversion.ClosedPollAttempts},
	}
	for _, n := range ints {
		if err := parseNonNegativeInt(n.key, n.dst); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("CHECKOUT_CONVERSION_BALANCE_THRESHOLD"); v != "" {
		t, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CHECKOUT_CONVERSION_BALANCE_THRESHOLD: %w", err)
		}
		cfg.Conversion.BalanceThreshold = t
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c Config) Validate() error {
	switch c.Wallet.Kind {
	case WalletSVM, WalletEVM:
	default:
		return fmt.Errorf("unsupported wallet kind %q", c.Wallet.Kind)
	}
	if c.Backend.URL == "" {
		return errors.New("backend URL is required")
	}
	if c.Mint.PollInterval <= 0 {
		return errors.New("mint poll interval must be positive")
	}
	if c.Conversion.BalanceThreshold.IsNegative() {
		return errors.New("conversion balance threshold must not be negative")
	}
	return nil
}

func loadDotenv(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	*dst = d
	return nil
}

func parseNonNegativeInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	if n < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	*dst = n
	return nil
}
