// Package pricing resolves the USD price of a metered route and converts it
// into the native-currency amount a caller has to pay.
package pricing

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// Manifest is the on-disk route price list.
type Manifest struct {
	DefaultPriceUSD string          `json:"default_price_usd" validate:"required,numeric"`
	Routes          []ManifestRoute `json:"routes" validate:"dive"`
}

// ManifestRoute prices one endpoint. Endpoint may be a full URL or a bare path.
type ManifestRoute struct {
	Endpoint string `json:"endpoint" validate:"required"`
	PriceUSD string `json:"price_usd" validate:"required,numeric"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read price manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse price manifest: %w", err)
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid price manifest: %w", err)
	}
	return &m, nil
}

// Catalog is a read-only route -> USD price table.
//
// Every configured endpoint is indexed under each of its path suffixes that
// start on a segment boundary, so "/v2/co/cedula", "/co/cedula" and "/cedula"
// all resolve to the same entry. Entries registered earlier keep their keys,
// which preserves first-match-wins ordering of the manifest.
type Catalog struct {
	byPath   map[string]decimal.Decimal
	fallback decimal.Decimal
	routes   int
}

// NewCatalog builds a catalog from a validated manifest.
func NewCatalog(m *Manifest) (*Catalog, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest cannot be nil")
	}

	fallback, err := parsePrice(m.DefaultPriceUSD)
	if err != nil {
		return nil, fmt.Errorf("default_price_usd: %w", err)
	}

	c := &Catalog{
		byPath:   make(map[string]decimal.Decimal),
		fallback: fallback,
		routes:   len(m.Routes),
	}

	for i, r := range m.Routes {
		price, err := parsePrice(r.PriceUSD)
		if err != nil {
			return nil, fmt.Errorf("routes[%d] %s: %w", i, r.Endpoint, err)
		}
		p, err := endpointPath(r.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		for _, key := range segmentSuffixes(p) {
			if _, taken := c.byPath[key]; !taken {
				c.byPath[key] = price
			}
		}
	}

	return c, nil
}

// Lookup returns the USD price for a request path. When nothing matches it
// returns the default price and matched=false.
func (c *Catalog) Lookup(requestPath string) (price decimal.Decimal, matched bool) {
	if p, ok := c.byPath[NormalizePath(requestPath)]; ok {
		return p, true
	}
	return c.fallback, false
}

// Default returns the fallback price.
func (c *Catalog) Default() decimal.Decimal {
	return c.fallback
}

// Len returns the number of configured routes.
func (c *Catalog) Len() int {
	return c.routes
}

// NormalizePath strips query and fragment, cleans dot segments and removes a
// trailing slash.
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func endpointPath(endpoint string) (string, error) {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		return NormalizePath(u.Path), nil
	}
	return NormalizePath(endpoint), nil
}

func segmentSuffixes(p string) []string {
	if p == "/" {
		return []string{"/"}
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	keys := make([]string, 0, len(segs))
	for i := range segs {
		keys = append(keys, "/"+strings.Join(segs[i:], "/"))
	}
	return keys
}

func parsePrice(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("price must be positive, got %s", s)
	}
	return d, nil
}
