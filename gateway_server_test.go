package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"paygate/internal/ledger"
	"paygate/internal/oracle"
	"paygate/internal/paywall"
	"paygate/internal/pricing"
	"paygate/internal/replay"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	testPayTo = "0x1111111111111111111111111111111111111111"
	testPayer = "0x2222222222222222222222222222222222222222"
	testTx    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// configEnvKeys are all variables loadConfig reads.
var configEnvKeys = []string{
	"PORT", "PAY_TO_ADDRESS", "LEDGER_RPC_URL", "PRICE_MANIFEST", "UPSTREAM_URL",
	"SERVICE_SECRET", "SESSION_ISSUER_ADDRESS", "NATIVE_SYMBOL", "NATIVE_DECIMALS",
	"NATIVE_FALLBACK_USD", "PRICE_FEED_URL", "PRICE_FEED_ID", "PRICE_FEED_TIMEOUT_SECONDS",
	"PRICE_CACHE_SECONDS", "TOKEN_ADDRESS", "TOKEN_SYMBOL", "TOKEN_DECIMALS",
	"PAYMENT_SCHEME", "PAYMENT_HEADER", "REPLAY_DB_PATH", "LEDGER_TIMEOUT_SECONDS",
	"IP_RATE_LIMIT", "IP_BURST_LIMIT", "ALLOWED_ORIGINS",
}

func setupTestEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"PAY_TO_ADDRESS": testPayTo,
		"LEDGER_RPC_URL": "http://localhost:8545",
		"PRICE_MANIFEST": "prices.json",
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setupTestEnv(t, requiredEnv())

		cfg, err := loadConfig(zap.NewNop())
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Port != ":8080" {
			t.Errorf("Port = %q, want :8080", cfg.Port)
		}
		if cfg.NativeSymbol != "AVAX" {
			t.Errorf("NativeSymbol = %q, want AVAX", cfg.NativeSymbol)
		}
		if cfg.NativeDecimals != 18 {
			t.Errorf("NativeDecimals = %d, want 18", cfg.NativeDecimals)
		}
		if !cfg.NativeFallbackUSD.Equal(decimal.NewFromInt(40)) {
			t.Errorf("NativeFallbackUSD = %s, want 40", cfg.NativeFallbackUSD)
		}
		if cfg.PriceFeedID != "avalanche-2" {
			t.Errorf("PriceFeedID = %q, want avalanche-2", cfg.PriceFeedID)
		}
		if cfg.PriceFeedTimeout != 5*time.Second {
			t.Errorf("PriceFeedTimeout = %v, want 5s", cfg.PriceFeedTimeout)
		}
		if cfg.LedgerTimeout != 10*time.Second {
			t.Errorf("LedgerTimeout = %v, want 10s", cfg.LedgerTimeout)
		}
		if cfg.PaymentScheme != "X402" || cfg.PaymentHeader != "X-Payment-Tx" {
			t.Errorf("claim transport = %q/%q, want X402/X-Payment-Tx", cfg.PaymentScheme, cfg.PaymentHeader)
		}
		if cfg.ReplayDBPath != "consumed.db" {
			t.Errorf("ReplayDBPath = %q, want consumed.db", cfg.ReplayDBPath)
		}
		if cfg.TokenDecimals != 6 || cfg.TokenSymbol != "USDC" {
			t.Errorf("token = %s/%d, want USDC/6", cfg.TokenSymbol, cfg.TokenDecimals)
		}
		if cfg.IPRateLimit != 10 || cfg.IPBurstLimit != 20 {
			t.Errorf("rate limit = %v/%d, want 10/20", cfg.IPRateLimit, cfg.IPBurstLimit)
		}
		if len(cfg.AllowedOrigins) != 0 {
			t.Errorf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		env := requiredEnv()
		env["PORT"] = "9090"
		env["NATIVE_SYMBOL"] = "eth"
		env["NATIVE_FALLBACK_USD"] = "2500.5"
		env["TOKEN_ADDRESS"] = "0x3333333333333333333333333333333333333333"
		env["REPLAY_DB_PATH"] = ":memory:"
		env["IP_RATE_LIMIT"] = "2.5"
		env["PRICE_CACHE_SECONDS"] = "0"
		env["ALLOWED_ORIGINS"] = "https://a.example, https://b.example,"
		setupTestEnv(t, env)

		cfg, err := loadConfig(zap.NewNop())
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Port != ":9090" {
			t.Errorf("Port = %q, want :9090", cfg.Port)
		}
		if cfg.NativeSymbol != "ETH" {
			t.Errorf("NativeSymbol = %q, want ETH", cfg.NativeSymbol)
		}
		if cfg.NativeFallbackUSD.String() != "2500.5" {
			t.Errorf("NativeFallbackUSD = %s, want 2500.5", cfg.NativeFallbackUSD)
		}
		if cfg.IPRateLimit != rate.Limit(2.5) {
			t.Errorf("IPRateLimit = %v, want 2.5", cfg.IPRateLimit)
		}
		if cfg.PriceCacheTTL != 0 {
			t.Errorf("PriceCacheTTL = %v, want 0", cfg.PriceCacheTTL)
		}
		if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
			t.Errorf("AllowedOrigins = %v, want two origins", cfg.AllowedOrigins)
		}
	})

	tests := []struct {
		name  string
		unset string
		set   map[string]string
	}{
		{name: "missing pay to", unset: "PAY_TO_ADDRESS"},
		{name: "missing ledger rpc", unset: "LEDGER_RPC_URL"},
		{name: "missing manifest", unset: "PRICE_MANIFEST"},
		{name: "pay to not an address", set: map[string]string{"PAY_TO_ADDRESS": "wallet"}},
		{name: "ledger rpc not a url", set: map[string]string{"LEDGER_RPC_URL": "localhost"}},
		{name: "bad rate limit", set: map[string]string{"IP_RATE_LIMIT": "fast"}},
		{name: "negative rate limit", set: map[string]string{"IP_RATE_LIMIT": "-1"}},
		{name: "bad decimals", set: map[string]string{"NATIVE_DECIMALS": "eighteen"}},
		{name: "zero native decimals", set: map[string]string{"NATIVE_DECIMALS": "0"}},
		{name: "too many native decimals", set: map[string]string{"NATIVE_DECIMALS": "40"}},
		{name: "non-positive fallback", set: map[string]string{"NATIVE_FALLBACK_USD": "0"}},
		{name: "bad fallback", set: map[string]string{"NATIVE_FALLBACK_USD": "forty"}},
		{name: "negative timeout", set: map[string]string{"LEDGER_TIMEOUT_SECONDS": "-3"}},
		{name: "bad token address", set: map[string]string{"TOKEN_ADDRESS": "0x123"}},
		{name: "bad session issuer", set: map[string]string{"SESSION_ISSUER_ADDRESS": "issuer"}},
		{name: "bad upstream", set: map[string]string{"UPSTREAM_URL": "::not a url"}},
		{name: "zero burst", set: map[string]string{"IP_BURST_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := requiredEnv()
			delete(env, tt.unset)
			for k, v := range tt.set {
				env[k] = v
			}
			setupTestEnv(t, env)

			if cfg, err := loadConfig(zap.NewNop()); err == nil {
				t.Errorf("loadConfig() = %+v, want error", cfg)
			}
		})
	}
}

type fixedRate struct{ rate decimal.Decimal }

func (f fixedRate) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if symbol != "AVAX" {
		return decimal.Zero, oracle.ErrUnknownSymbol
	}
	return f.rate, nil
}

// paidVerifier accepts testTx as an exact native payment from testPayer.
type paidVerifier struct{}

func (paidVerifier) Verify(ctx context.Context, txHash string, req ledger.Requirement) (*ledger.Payment, error) {
	if txHash != testTx {
		return nil, &ledger.VerificationError{Kind: ledger.TxNotFound, TxHash: txHash}
	}
	return &ledger.Payment{
		TxHash:    txHash,
		Payer:     common.HexToAddress(testPayer),
		Recipient: req.Recipient,
		Amount:    req.NativeUnits,
		Kind:      ledger.Native,
	}, nil
}

type fakeChain struct {
	head uint64
	err  error
}

func (f fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, f.err
}

type fakeBreaker string

func (f fakeBreaker) BreakerState() string { return string(f) }

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	m, err := pricing.ParseManifest([]byte(`{
		"default_price_usd": "0.10",
		"routes": [{"endpoint": "https://api.example.com/api/cedula", "price_usd": "0.05"}]
	}`))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	c, err := pricing.NewCatalog(m)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

func testConfig() *GatewayConfig {
	return &GatewayConfig{
		Port:          ":0",
		PayTo:         testPayTo,
		NativeSymbol:  "AVAX",
		PaymentScheme: "X402",
		PaymentHeader: "X-Payment-Tx",
		ReplayDBPath:  replay.MemoryPath,
		IPRateLimit:   1000,
		IPBurstLimit:  1000,
	}
}

func newTestServer(t *testing.T, cfg *GatewayConfig) (*GatewayServer, replay.Guard) {
	t.Helper()
	catalog := testCatalog(t)
	guard := replay.NewMemoryGuard()
	pw, err := paywall.New(paywall.Config{
		PayTo:          cfg.PayTo,
		Scheme:         cfg.PaymentScheme,
		ClaimHeader:    cfg.PaymentHeader,
		NativeSymbol:   "AVAX",
		NativeDecimals: 18,
	}, catalog, fixedRate{decimal.NewFromInt(25)}, paidVerifier{}, guard, zap.NewNop())
	if err != nil {
		t.Fatalf("paywall.New() error = %v", err)
	}

	s, err := newGatewayServer(cfg, serverDeps{
		Catalog: catalog,
		Paywall: pw,
		Guard:   guard,
		Chain:   fakeChain{head: 100},
		Breaker: fakeBreaker(oracle.StateClosed),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("newGatewayServer() error = %v", err)
	}
	return s, guard
}

func TestHandleHealth(t *testing.T) {
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status, ok := result["status"].(string); !ok || status != "healthy" {
		t.Errorf("status = %v, want 'healthy'", result["status"])
	}
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name        string
		chain       ChainHead
		breaker     BreakerReporter
		closeGuard  bool
		wantCode    int
		wantOverall string
	}{
		{"all up", fakeChain{head: 7}, fakeBreaker(oracle.StateClosed), false, http.StatusOK, "healthy"},
		{"breaker open", fakeChain{head: 7}, fakeBreaker(oracle.StateOpen), false, http.StatusOK, "degraded"},
		{"breaker half-open", fakeChain{head: 7}, fakeBreaker(oracle.StateHalfOpen), false, http.StatusOK, "degraded"},
		{"ledger down", fakeChain{err: errors.New("dial tcp: connection refused")}, fakeBreaker(oracle.StateClosed), false, http.StatusServiceUnavailable, "unhealthy"},
		{"no ledger client", nil, fakeBreaker(oracle.StateClosed), false, http.StatusServiceUnavailable, "unhealthy"},
		{"replay store closed", fakeChain{head: 7}, fakeBreaker(oracle.StateOpen), true, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, guard := newTestServer(t, testConfig())
			s.chain = tt.chain
			s.breaker = tt.breaker
			if tt.closeGuard {
				guard.Close()
			}

			w := httptest.NewRecorder()
			s.handleReadiness(w, httptest.NewRequest("GET", "/readiness", nil))

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if resp.Status != tt.wantOverall {
				t.Errorf("overall = %q, want %q", resp.Status, tt.wantOverall)
			}
			for _, dep := range []string{"ledger", "replay_store", "price_feed"} {
				if _, ok := resp.Dependencies[dep]; !ok {
					t.Errorf("dependency %q missing", dep)
				}
			}
			if resp.Metrics.PricedRoutes != 1 {
				t.Errorf("PricedRoutes = %d, want 1", resp.Metrics.PricedRoutes)
			}
		})
	}
}

func TestGatewayRoutes(t *testing.T) {
	s, guard := newTestServer(t, testConfig())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	do := func(path string, header map[string]string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest("GET", srv.URL+path, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		return resp
	}

	t.Run("challenge", func(t *testing.T) {
		resp := do("/api/cedula", nil)
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", resp.StatusCode)
		}
		if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `price="0.002 AVAX"`) {
			t.Errorf("WWW-Authenticate = %q, want price 0.002 AVAX", got)
		}
		if resp.Header.Get(headerRequestID) == "" {
			t.Error("X-Request-ID not set")
		}
	})

	t.Run("paid receipt", func(t *testing.T) {
		resp := do("/api/cedula", map[string]string{"X-Payment-Tx": testTx})
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
		}
		var receipt ReceiptResponse
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			t.Fatalf("decode receipt: %v", err)
		}
		if receipt.Status != "paid" || receipt.TxHash != testTx {
			t.Errorf("receipt = %+v, want paid %s", receipt, testTx)
		}
		if receipt.Amount != "2000000000000000" {
			t.Errorf("Amount = %s, want 2000000000000000", receipt.Amount)
		}
		if receipt.PriceUSD != "0.05" {
			t.Errorf("PriceUSD = %s, want 0.05", receipt.PriceUSD)
		}
		if n, _ := guard.Count(context.Background()); n != 1 {
			t.Errorf("consumed = %d, want 1", n)
		}
	})

	t.Run("replay", func(t *testing.T) {
		resp := do("/api/cedula", map[string]string{"Authorization": "X402 " + strings.ToUpper(testTx[2:])})
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusPaymentRequired {
			t.Errorf("status = %d, want 402", resp.StatusCode)
		}
	})

	t.Run("operational endpoints are not gated", func(t *testing.T) {
		for _, path := range []string{"/health", "/readiness", "/metrics"} {
			resp := do(path, nil)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
			}
		}
	})
}

func TestUpstreamProxy(t *testing.T) {
	var (
		mu   sync.Mutex
		seen http.Header
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		fmt.Fprint(w, `{"nombre":"JUAN"}`)
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.UpstreamURL = upstream.URL
	s, _ := newTestServer(t, cfg)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/api/cedula", nil)
	req.Header.Set("X-Payment-Tx", strings.ToUpper(testTx[2:]))
	req.Header.Set(headerPaymentPayer, "0xdeadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if string(body) != `{"nombre":"JUAN"}` {
		t.Errorf("body = %s, want upstream body", body)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := seen.Get(headerPaymentTx); got != testTx {
		t.Errorf("%s = %q, want normalized %q", headerPaymentTx, got, testTx)
	}
	if got := seen.Get(headerPaymentPayer); got != common.HexToAddress(testPayer).Hex() {
		t.Errorf("%s = %q, want %q", headerPaymentPayer, got, common.HexToAddress(testPayer).Hex())
	}
	if got := seen.Get(headerPaymentKind); got != string(ledger.Native) {
		t.Errorf("%s = %q, want native", headerPaymentKind, got)
	}
}

func TestUpstreamUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.UpstreamURL = "http://127.0.0.1:1"
	s, _ := newTestServer(t, cfg)

	req := httptest.NewRequest("GET", "/api/cedula", nil)
	req.Header.Set("X-Payment-Tx", testTx)
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestNewUpstream(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"", false},
		{"http://localhost:9000", false},
		{"https://api.example.com/base", false},
		{"localhost:9000", true},
		{"/relative", true},
	}
	for _, tt := range tests {
		_, err := newUpstream(tt.url, zap.NewNop())
		if (err != nil) != tt.wantErr {
			t.Errorf("newUpstream(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestHandleReceiptWithoutPayment(t *testing.T) {
	w := httptest.NewRecorder()
	handleReceipt(w, httptest.NewRequest("GET", "/api/cedula", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want %d", w.Code, http.StatusPaymentRequired)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(headerRequestID)
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if got == "" || w.Header().Get(headerRequestID) != got {
			t.Errorf("request id = %q, response header = %q", got, w.Header().Get(headerRequestID))
		}
	})

	t.Run("preserved", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(headerRequestID, "trace-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if got != "trace-123" {
			t.Errorf("request id = %q, want trace-123", got)
		}
	})

	t.Run("oversized replaced", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(headerRequestID, strings.Repeat("x", 200))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if len(got) > 128 {
			t.Errorf("request id length = %d, want <= 128", len(got))
		}
	})
}

func TestCORSMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	s, _ := newTestServer(t, cfg)

	reached := false
	handler := s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		wantCode    int
		wantAllow   string
		wantReached bool
	}{
		{"preflight allowed origin", "OPTIONS", "https://app.example", true, http.StatusNoContent, "https://app.example", false},
		{"simple allowed origin", "GET", "https://app.example", false, http.StatusOK, "https://app.example", true},
		{"unknown origin", "GET", "https://evil.example", false, http.StatusOK, "", true},
		{"no origin", "GET", "", false, http.StatusOK, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(tt.method, "/api/cedula", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "GET")
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if reached != tt.wantReached {
				t.Errorf("next reached = %v, want %v", reached, tt.wantReached)
			}
			if tt.wantAllow != "" && !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "WWW-Authenticate") {
				t.Error("WWW-Authenticate not exposed")
			}
		})
	}

	t.Run("preflight allows claim header", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/cedula", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-Payment-Tx") {
			t.Errorf("Allow-Headers = %q, want X-Payment-Tx", w.Header().Get("Access-Control-Allow-Headers"))
		}
	})
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		expected   string
	}{
		{"no headers, use RemoteAddr", nil, "192.168.1.1:12345", "192.168.1.1"},
		{"ipv6 RemoteAddr", nil, "[::1]:8080", "::1"},
		{"X-Forwarded-For single", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "192.168.1.1:12345", "10.0.0.1"},
		{"X-Forwarded-For chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2, 10.0.0.3"}, "192.168.1.1:12345", "10.0.0.1"},
		{"X-Real-IP", map[string]string{"X-Real-IP": "172.16.0.1"}, "192.168.1.1:12345", "172.16.0.1"},
		{"X-Forwarded-For takes precedence", map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "172.16.0.1"}, "192.168.1.1:12345", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.expected {
				t.Errorf("getClientIP() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	handler := s.panicRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d after panic recovery", w.Code, http.StatusInternalServerError)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	handler := metricsMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestResponseWriterWriteHeader(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want %d", rw.statusCode, http.StatusNotFound)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.IPRateLimit = 0.001
	cfg.IPBurstLimit = 2
	s, _ := newTestServer(t, cfg)

	handler := s.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/cedula", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, codes[i], want[i])
		}
	}

	// Another client has its own bucket.
	req := httptest.NewRequest("GET", "/api/cedula", nil)
	req.RemoteAddr = "192.168.1.2:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestEndpointLabel(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	tests := map[string]string{
		"/api/cedula":  "/api/cedula",
		"/cedula/":     "/cedula",
		"/random/path": "unpriced",
	}
	for path, want := range tests {
		if got := s.endpointLabel(httptest.NewRequest("GET", path, nil)); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	limiter := NewIPRateLimiter(10, 1)

	limiter.GetLimiter("192.168.1.1")
	limiter.GetLimiter("192.168.1.2")
	limiter.GetLimiter("192.168.1.3")

	if cleaned := limiter.Cleanup(time.Hour); cleaned != 0 {
		t.Errorf("cleanup of fresh entries returned %d, want 0", cleaned)
	}

	time.Sleep(2 * time.Millisecond)
	if cleaned := limiter.Cleanup(time.Millisecond); cleaned != 3 {
		t.Errorf("cleanup returned %d, want 3", cleaned)
	}
	if n := limiter.Len(); n != 0 {
		t.Errorf("after cleanup count = %d, want 0", n)
	}
}

func TestGetLimiterEviction(t *testing.T) {
	limiter := NewIPRateLimiter(10, 20)

	t.Run("same IP returns same limiter", func(t *testing.T) {
		l1 := limiter.GetLimiter("192.168.1.2")
		l2 := limiter.GetLimiter("192.168.1.2")
		if l1 != l2 {
			t.Error("expected same limiter for same IP")
		}
	})

	t.Run("eviction at max capacity", func(t *testing.T) {
		evictLimiter := NewIPRateLimiter(10, 20)

		evictLimiter.mu.Lock()
		evictLimiter.limiters["oldest-ip"] = &rateLimiterEntry{
			limiter:  rate.NewLimiter(10, 20),
			lastSeen: time.Now().Add(-1 * time.Hour),
		}
		for i := 0; i < maxIPRateLimiters-1; i++ {
			evictLimiter.limiters[fmt.Sprintf("ip-%d", i)] = &rateLimiterEntry{
				limiter:  rate.NewLimiter(10, 20),
				lastSeen: time.Now(),
			}
		}
		evictLimiter.mu.Unlock()

		evictLimiter.GetLimiter("new-ip")

		evictLimiter.mu.Lock()
		_, exists := evictLimiter.limiters["oldest-ip"]
		evictLimiter.mu.Unlock()

		if exists {
			t.Error("expected oldest-ip to be evicted")
		}
		if n := evictLimiter.Len(); n != maxIPRateLimiters {
			t.Errorf("Len() = %d, want %d", n, maxIPRateLimiters)
		}
	})
}

func TestCleanupRateLimitersStopsOnShutdown(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.ipRateLimiter.GetLimiter("10.0.0.1")

	done := make(chan struct{})
	go func() {
		s.cleanupRateLimiters(time.Millisecond, 0)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.ipRateLimiter.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := s.ipRateLimiter.Len(); n != 0 {
		t.Errorf("limiters after cleanup = %d, want 0", n)
	}

	close(s.shutdownChan)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop did not stop on shutdown")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		debug         bool
	}{
		{"", "", false},
		{"debug", "", true},
		{"debug", "json", true},
		{"warn", "json", false},
		{"nonsense", "", false},
	}
	for _, tt := range tests {
		logger, err := newLogger(tt.level, tt.format)
		if err != nil {
			t.Fatalf("newLogger(%q, %q) error = %v", tt.level, tt.format, err)
		}
		if got := logger.Core().Enabled(zap.DebugLevel); got != tt.debug {
			t.Errorf("newLogger(%q, %q) debug enabled = %v, want %v", tt.level, tt.format, got, tt.debug)
		}
	}
}

func TestNewGatewayServerRequiresDeps(t *testing.T) {
	if _, err := newGatewayServer(testConfig(), serverDeps{}, zap.NewNop()); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
