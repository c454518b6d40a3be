package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type cachedRate struct {
	Rate      decimal.Decimal
	UpdatedAt time.Time
}

// rateCache holds the last feed value per symbol for a short TTL.
type rateCache struct {
	mu    sync.RWMutex
	rates map[string]cachedRate
	ttl   time.Duration
}

func newRateCache(ttl time.Duration) *rateCache {
	return &rateCache{
		rates: make(map[string]cachedRate),
		ttl:   ttl,
	}
}

// Get returns the cached rate if present and fresh.
func (c *rateCache) Get(symbol string) (decimal.Decimal, bool) {
	if c.ttl <= 0 {
		return decimal.Zero, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.rates[symbol]
	if !ok || time.Since(cached.UpdatedAt) > c.ttl {
		return decimal.Zero, false
	}
	return cached.Rate, true
}

// Set stores a rate fetched from the feed.
func (c *rateCache) Set(symbol string, rate decimal.Decimal) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[symbol] = cachedRate{Rate: rate, UpdatedAt: time.Now()}
}

// Len returns the number of cached symbols, fresh or not.
func (c *rateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}
