package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GatewayConfig holds all gateway server configuration
type GatewayConfig struct {
	Port string

	// Payment target and ledger access
	PayTo         string        `validate:"required,eth_addr"`
	LedgerRPCURL  string        `validate:"required,url"`
	LedgerTimeout time.Duration `validate:"gt=0"`

	// Route price manifest (JSON file)
	PriceManifest string `validate:"required"`

	// Downstream service; empty serves a payment receipt instead
	UpstreamURL string `validate:"omitempty,url"`

	// Bearer credentials
	ServiceSecret string
	SessionIssuer string `validate:"omitempty,eth_addr"`

	// Native currency and spot price feed
	NativeSymbol      string `validate:"required"`
	NativeDecimals    int32  `validate:"gt=0,lte=36"`
	NativeFallbackUSD decimal.Decimal
	PriceFeedURL      string        `validate:"required,url"`
	PriceFeedID       string        `validate:"required"`
	PriceFeedTimeout  time.Duration `validate:"gt=0"`
	PriceCacheTTL     time.Duration

	// Accepted USD-pegged token; empty address means native only
	TokenAddress  string `validate:"omitempty,eth_addr"`
	TokenSymbol   string
	TokenDecimals int32 `validate:"gte=0,lte=36"`

	// Claim transport
	PaymentScheme string `validate:"required"`
	PaymentHeader string `validate:"required"`

	// Consumed-identifier store: a bbolt file path or ":memory:"
	ReplayDBPath string `validate:"required"`

	// Rate limiting configuration (per-IP)
	IPRateLimit  rate.Limit // requests per second per IP
	IPBurstLimit int        `validate:"gt=0"`

	// CORS origins for browser clients; empty disables CORS headers
	AllowedOrigins []string
}

var configValidator = validator.New()

// loadConfig reads the configuration from the environment. Missing required
// values are errors; missing optional values fall back to defaults.
func loadConfig(logger *zap.Logger) (*GatewayConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []string
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	config := &GatewayConfig{}

	// Required configuration
	config.PayTo = os.Getenv("PAY_TO_ADDRESS")
	if config.PayTo == "" {
		fail("PAY_TO_ADDRESS environment variable not set")
	}
	config.LedgerRPCURL = os.Getenv("LEDGER_RPC_URL")
	if config.LedgerRPCURL == "" {
		fail("LEDGER_RPC_URL environment variable not set")
	}
	config.PriceManifest = os.Getenv("PRICE_MANIFEST")
	if config.PriceManifest == "" {
		fail("PRICE_MANIFEST environment variable not set")
	}

	// Optional configuration with defaults
	config.Port = ":" + strings.TrimPrefix(envString("PORT", "8080"), ":")
	config.UpstreamURL = os.Getenv("UPSTREAM_URL")
	if config.UpstreamURL == "" {
		logger.Warn("UPSTREAM_URL not set, accepted requests get a payment receipt")
	}
	config.ServiceSecret = os.Getenv("SERVICE_SECRET")
	config.SessionIssuer = os.Getenv("SESSION_ISSUER_ADDRESS")
	if config.SessionIssuer == "" {
		logger.Info("SESSION_ISSUER_ADDRESS not set, credits sessions disabled")
	}

	config.NativeSymbol = strings.ToUpper(envString("NATIVE_SYMBOL", "AVAX"))
	config.NativeDecimals = int32(envInt("NATIVE_DECIMALS", 18, fail))
	config.NativeFallbackUSD = envDecimal("NATIVE_FALLBACK_USD", decimal.NewFromInt(40), fail)
	if !config.NativeFallbackUSD.IsPositive() {
		fail("NATIVE_FALLBACK_USD must be positive, got %s", config.NativeFallbackUSD)
	}
	config.PriceFeedURL = envString("PRICE_FEED_URL", "https://api.coingecko.com/api/v3/simple/price")
	config.PriceFeedID = envString("PRICE_FEED_ID", "avalanche-2")
	config.PriceFeedTimeout = envSeconds("PRICE_FEED_TIMEOUT_SECONDS", 5*time.Second, fail)
	config.PriceCacheTTL = envSeconds("PRICE_CACHE_SECONDS", 5*time.Second, fail)

	config.TokenAddress = os.Getenv("TOKEN_ADDRESS")
	config.TokenSymbol = envString("TOKEN_SYMBOL", "USDC")
	config.TokenDecimals = int32(envInt("TOKEN_DECIMALS", 6, fail))

	config.PaymentScheme = envString("PAYMENT_SCHEME", "X402")
	config.PaymentHeader = envString("PAYMENT_HEADER", "X-Payment-Tx")
	config.ReplayDBPath = envString("REPLAY_DB_PATH", "consumed.db")
	config.LedgerTimeout = envSeconds("LEDGER_TIMEOUT_SECONDS", 10*time.Second, fail)

	// Default: 10 requests/second per IP with burst of 20
	ipRateLimitStr := os.Getenv("IP_RATE_LIMIT")
	if ipRateLimitStr == "" {
		config.IPRateLimit = 10
	} else {
		limit, err := strconv.ParseFloat(ipRateLimitStr, 64)
		if err != nil || limit <= 0 {
			fail("Invalid IP_RATE_LIMIT: %q", ipRateLimitStr)
		}
		config.IPRateLimit = rate.Limit(limit)
	}
	config.IPBurstLimit = envInt("IP_BURST_LIMIT", 20, fail)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, o)
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := configValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, fail func(string, ...interface{})) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fail("Invalid %s: %q", key, v)
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration, fail func(string, ...interface{})) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		fail("Invalid %s: %q", key, v)
		return def
	}
	return time.Duration(seconds) * time.Second
}

func envDecimal(key string, def decimal.Decimal, fail func(string, ...interface{})) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		fail("Invalid %s: %q", key, v)
		return def
	}
	return d
}
