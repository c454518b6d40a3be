// Package oracle quotes the USD spot rate of a native currency. A price feed
// outage never blocks quoting: every failure path returns a configured
// fallback rate instead.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultFeedURL is the CoinGecko simple-price endpoint.
const DefaultFeedURL = "https://api.coingecko.com/api/v3/simple/price"

// Max feed response body size.
const maxFeedBody = 64 * 1024

var (
	feedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_feed_requests_total",
			Help: "Price feed requests by outcome",
		},
		[]string{"status"},
	)

	fallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_fallback_total",
			Help: "Quotes served from the fallback rate",
		},
		[]string{"symbol"},
	)
)

// ErrUnknownSymbol is returned for a symbol with no configured asset.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Asset configures one quotable currency.
type Asset struct {
	FeedID   string          // feed identifier, e.g. "avalanche-2"
	Fallback decimal.Decimal // USD rate used whenever the feed cannot be
}

// Config configures the oracle.
type Config struct {
	FeedURL          string
	Timeout          time.Duration
	CacheTTL         time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Assets           map[string]Asset
}

// Oracle fetches spot rates from an HTTP price feed.
type Oracle struct {
	feedURL string
	assets  map[string]Asset
	client  *http.Client
	cache   *rateCache
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// New creates an oracle. Zero config values get defaults: 5s timeout,
// 5 failures / 30s breaker.
func New(cfg Config, logger *zap.Logger) (*Oracle, error) {
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required")
	}
	assets := make(map[string]Asset, len(cfg.Assets))
	for sym, a := range cfg.Assets {
		if !a.Fallback.IsPositive() {
			return nil, fmt.Errorf("asset %s: fallback rate must be positive", sym)
		}
		if a.FeedID == "" {
			return nil, fmt.Errorf("asset %s: feed id is required", sym)
		}
		assets[strings.ToUpper(sym)] = a
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = DefaultFeedURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Oracle{
		feedURL: cfg.FeedURL,
		assets:  assets,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   newRateCache(cfg.CacheTTL),
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		logger:  logger,
	}, nil
}

// Quote returns the USD rate of one unit of symbol. The result is always
// positive; feed errors, degenerate values and an open breaker all resolve
// to the asset's fallback rate. The only error is ErrUnknownSymbol.
func (o *Oracle) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym := strings.ToUpper(symbol)
	asset, ok := o.assets[sym]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	if rate, ok := o.cache.Get(sym); ok {
		return rate, nil
	}

	if ctx.Err() != nil {
		return o.fallback(sym, asset, "request cancelled"), nil
	}

	if !o.breaker.Allow() {
		feedRequestsTotal.WithLabelValues("skipped").Inc()
		return o.fallback(sym, asset, "circuit breaker open"), nil
	}

	rate, err := o.fetch(ctx, asset.FeedID)
	if err != nil {
		// The caller going away says nothing about the feed's health.
		if ctx.Err() != nil {
			o.breaker.Release()
			feedRequestsTotal.WithLabelValues("cancelled").Inc()
			return o.fallback(sym, asset, "request cancelled"), nil
		}
		o.breaker.RecordFailure()
		feedRequestsTotal.WithLabelValues("error").Inc()
		o.logger.Warn("Price feed request failed",
			zap.String("symbol", sym),
			zap.Error(err),
			zap.String("breaker_state", o.breaker.State()))
		return o.fallback(sym, asset, "feed error"), nil
	}
	if !rate.IsPositive() {
		o.breaker.RecordFailure()
		feedRequestsTotal.WithLabelValues("invalid").Inc()
		o.logger.Warn("Price feed returned non-positive rate",
			zap.String("symbol", sym),
			zap.String("rate", rate.String()))
		return o.fallback(sym, asset, "non-positive rate"), nil
	}

	o.breaker.RecordSuccess()
	feedRequestsTotal.WithLabelValues("ok").Inc()
	o.cache.Set(sym, rate)
	return rate, nil
}

// BreakerState exposes the feed breaker state for readiness checks.
func (o *Oracle) BreakerState() string {
	return o.breaker.State()
}

func (o *Oracle) fallback(sym string, asset Asset, reason string) decimal.Decimal {
	fallbackTotal.WithLabelValues(sym).Inc()
	o.logger.Debug("Using fallback spot rate",
		zap.String("symbol", sym),
		zap.String("rate", asset.Fallback.String()),
		zap.String("reason", reason))
	return asset.Fallback
}

// fetch reads {"<id>":{"usd":<rate>}} from the feed.
func (o *Oracle) fetch(ctx context.Context, feedID string) (decimal.Decimal, error) {
	u, err := url.Parse(o.feedURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("ids", feedID)
	q.Set("vs_currencies", "usd")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read feed response: %w", err)
	}

	var prices map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &prices); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse feed response: %w", err)
	}
	rate, ok := prices[feedID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("feed response missing %s/usd", feedID)
	}
	return rate, nil
}
