package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brojonat/hydraico/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Ledger-of-record REST service
	LedgerAPIURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURLs            []string
	Commitment               rpc.CommitmentType
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	BroadcastRetries         int // 0 disables retries

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	Sale SaleConfig
}

// SaleConfig holds the sale parameters. They can be overridden by the [sale]
// table of the TOML file named by SALE_CONFIG_FILE.
type SaleConfig struct {
	PaymentCurrency string
	PaymentMint     solanago.PublicKey
	PaymentDecimals uint8
	Treasury        solanago.PublicKey
	// TokenRate is sale tokens per unit of payment currency.
	TokenRate   decimal.Decimal
	MinPurchase decimal.Decimal
	TotalSupply decimal.Decimal
	// SOLUSDRate is the fixed SOL/USD rate used for progress display only.
	SOLUSDRate decimal.Decimal
}

// saleKeys maps environment variables to their [sale] file keys.
var saleKeys = map[string]string{
	"PAYMENT_CURRENCY":     "payment_currency",
	"PAYMENT_MINT_ADDRESS": "payment_mint",
	"PAYMENT_DECIMALS":     "payment_decimals",
	"TREASURY_ADDRESS":     "treasury",
	"TOKEN_RATE":           "token_rate",
	"MIN_PURCHASE":         "min_purchase",
	"TOKEN_TOTAL_SUPPLY":   "total_supply",
	"SOL_USD_RATE":         "sol_usd_rate",
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.LedgerAPIURL = strings.TrimRight(os.Getenv("LEDGER_API_URL"), "/")
	if cfg.LedgerAPIURL == "" {
		errs = append(errs, fmt.Errorf("LEDGER_API_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}

	commitment := getEnvOrDefault("COMMITMENT", string(rpc.CommitmentConfirmed))
	if c, ok := solana.ParseCommitment(commitment); ok {
		cfg.Commitment = c
	} else {
		errs = append(errs, fmt.Errorf("COMMITMENT: invalid commitment %q", commitment))
	}

	confirmTimeout, err := parseDuration("CONFIRMATION_TIMEOUT", "90s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationTimeout = confirmTimeout
	}

	pollInterval, err := parseDuration("CONFIRMATION_POLL_INTERVAL", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationPollInterval = pollInterval
	}

	retries, err := parseInt("BROADCAST_RETRIES", 3)
	switch {
	case err != nil:
		errs = append(errs, err)
	case retries < 0:
		errs = append(errs, fmt.Errorf("BROADCAST_RETRIES must be non-negative, got %d", retries))
	default:
		cfg.BroadcastRetries = retries
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "hydraico-reconcile")

	// Sale configuration: file values win over the environment
	lookup := os.Getenv
	if path := os.Getenv("SALE_CONFIG_FILE"); path != "" {
		fileValues, err := loadSaleFile(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			lookup = func(key string) string {
				if v, ok := fileValues[saleKeys[key]]; ok {
					return v
				}
				return os.Getenv(key)
			}
		}
	}
	sale, saleErrs := loadSale(lookup)
	cfg.Sale = sale
	errs = append(errs, saleErrs...)

	// Validate intervals
	if cfg.ConfirmationPollInterval > 0 && cfg.ConfirmationTimeout > 0 &&
		cfg.ConfirmationPollInterval >= cfg.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("CONFIRMATION_POLL_INTERVAL (%v) must be less than CONFIRMATION_TIMEOUT (%v)",
			cfg.ConfirmationPollInterval, cfg.ConfirmationTimeout))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

func loadSale(lookup func(string) string) (SaleConfig, []error) {
	var s SaleConfig
	var errs []error

	get := func(key, def string) string {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			return v
		}
		return def
	}

	s.PaymentCurrency = strings.ToUpper(get("PAYMENT_CURRENCY", "USDT"))

	pubkey := func(key string) solanago.PublicKey {
		v := get(key, "")
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			return solanago.PublicKey{}
		}
		pk, err := solanago.PublicKeyFromBase58(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid address %q: %w", key, v, err))
		}
		return pk
	}
	s.PaymentMint = pubkey("PAYMENT_MINT_ADDRESS")
	s.Treasury = pubkey("TREASURY_ADDRESS")

	decimals := get("PAYMENT_DECIMALS", "6")
	if d, err := strconv.ParseUint(decimals, 10, 8); err != nil || d > 18 {
		errs = append(errs, fmt.Errorf("PAYMENT_DECIMALS: invalid decimals %q", decimals))
	} else {
		s.PaymentDecimals = uint8(d)
	}

	positive := func(key, def string) decimal.Decimal {
		v := get(key, def)
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid decimal %q: %w", key, v, err))
			return decimal.Zero
		}
		if !d.IsPositive() {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, v))
		}
		return d
	}
	nonNegative := func(key, def string) decimal.Decimal {
		v := get(key, def)
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid decimal %q: %w", key, v, err))
			return decimal.Zero
		}
		if d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %s", key, v))
		}
		return d
	}
	s.TokenRate = positive("TOKEN_RATE", "1000")
	s.MinPurchase = nonNegative("MIN_PURCHASE", "0.01")
	s.TotalSupply = positive("TOKEN_TOTAL_SUPPLY", "100000000")
	s.SOLUSDRate = positive("SOL_USD_RATE", "100")

	return s, errs
}

// loadSaleFile reads the [sale] table of a TOML file as strings keyed by
// file key. Unknown keys are rejected.
func loadSaleFile(path string) (map[string]string, error) {
	var file struct {
		Sale map[string]any `toml:"sale"`
	}
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("SALE_CONFIG_FILE: failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("SALE_CONFIG_FILE: unknown keys %v", undecoded)
	}

	known := map[string]bool{}
	for _, k := range saleKeys {
		known[k] = true
	}

	values := make(map[string]string, len(file.Sale))
	var unknown []string
	for k, v := range file.Sale {
		if !known[k] {
			unknown = append(unknown, k)
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("SALE_CONFIG_FILE: unknown [sale] keys %v", unknown)
	}
	return values, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.LedgerAPIURL == "" {
		errs = append(errs, fmt.Errorf("LedgerAPIURL is required"))
	}

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}

	if _, ok := solana.ParseCommitment(string(c.Commitment)); !ok {
		errs = append(errs, fmt.Errorf("Commitment %q is invalid", c.Commitment))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ConfirmationTimeout < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be at least 1 second"))
	}

	if c.ConfirmationPollInterval <= 0 || c.ConfirmationPollInterval >= c.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive and less than ConfirmationTimeout"))
	}

	if c.BroadcastRetries < 0 {
		errs = append(errs, fmt.Errorf("BroadcastRetries must be non-negative"))
	}

	errs = append(errs, c.Sale.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func (s SaleConfig) validate() []error {
	var errs []error
	if s.PaymentCurrency == "" {
		errs = append(errs, fmt.Errorf("Sale.PaymentCurrency is required"))
	}
	if s.PaymentMint.IsZero() {
		errs = append(errs, fmt.Errorf("Sale.PaymentMint is required"))
	}
	if s.Treasury.IsZero() {
		errs = append(errs, fmt.Errorf("Sale.Treasury is required"))
	}
	if !s.TokenRate.IsPositive() {
		errs = append(errs, fmt.Errorf("Sale.TokenRate must be positive"))
	}
	if s.MinPurchase.IsNegative() {
		errs = append(errs, fmt.Errorf("Sale.MinPurchase must be non-negative"))
	}
	if !s.TotalSupply.IsPositive() {
		errs = append(errs, fmt.Errorf("Sale.TotalSupply must be positive"))
	}
	if !s.SOLUSDRate.IsPositive() {
		errs = append(errs, fmt.Errorf("Sale.SOLUSDRate must be positive"))
	}
	return errs
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
