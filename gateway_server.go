package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"paygate/internal/ledger"
	"paygate/internal/oracle"
	"paygate/internal/paywall"
	"paygate/internal/pricing"
	"paygate/internal/replay"
	"paygate/internal/session"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Headers the reverse proxy adds to accepted requests.
const (
	headerPaymentTx    = "X-Payment-Tx"
	headerPaymentPayer = "X-Payment-Payer"
	headerPaymentKind  = "X-Payment-Kind"
	headerSession      = "X-Session-Subject"
	headerRequestID    = "X-Request-ID"
)

// Prometheus metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	rateLimitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejected_total",
			Help: "Total number of requests rejected due to rate limiting",
		},
		[]string{"endpoint"},
	)

	panicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_panics_recovered_total",
			Help: "Total number of panics recovered by the server",
		},
	)

	upstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total number of failed upstream proxy attempts",
		},
	)
)

// GatewayServer holds the wired gateway.
type GatewayServer struct {
	config        *GatewayConfig
	logger        *zap.Logger
	paywall       *paywall.Paywall
	catalog       *pricing.Catalog
	pricedRoutes  int
	breaker       BreakerReporter
	guard         replay.Guard
	chain         ChainHead
	ipRateLimiter *IPRateLimiter
	upstream      http.Handler
	shutdownChan  chan struct{}
}

// serverDeps are the collaborators a GatewayServer is built from.
type serverDeps struct {
	Catalog *pricing.Catalog
	Paywall *paywall.Paywall
	Guard   replay.Guard
	Chain   ChainHead
	Breaker BreakerReporter
}

func newGatewayServer(config *GatewayConfig, deps serverDeps, logger *zap.Logger) (*GatewayServer, error) {
	if deps.Paywall == nil || deps.Guard == nil || deps.Catalog == nil {
		return nil, fmt.Errorf("paywall, catalog and replay guard are required")
	}
	upstream, err := newUpstream(config.UpstreamURL, logger)
	if err != nil {
		return nil, err
	}
	return &GatewayServer{
		config:        config,
		logger:        logger,
		paywall:       deps.Paywall,
		catalog:       deps.Catalog,
		pricedRoutes:  deps.Catalog.Len(),
		breaker:       deps.Breaker,
		guard:         deps.Guard,
		chain:         deps.Chain,
		ipRateLimiter: NewIPRateLimiter(config.IPRateLimit, config.IPBurstLimit),
		upstream:      upstream,
		shutdownChan:  make(chan struct{}),
	}, nil
}

// routes registers the operational endpoints and gates everything else.
func (s *GatewayServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/health", s.panicRecoveryMiddleware(http.HandlerFunc(handleHealth)))
	mux.Handle("/readiness", s.panicRecoveryMiddleware(http.HandlerFunc(s.handleReadiness)))
	mux.Handle("/metrics", promhttp.Handler())

	gated := s.paywall.Middleware(s.upstream)
	gated = s.rateLimitMiddleware(gated)
	gated = s.corsMiddleware(gated)
	gated = requestIDMiddleware(gated)
	mux.Handle("/", s.panicRecoveryMiddleware(metricsMiddleware("gated", gated)))

	return mux
}

// endpointLabel bounds metric label cardinality to the priced routes.
func (s *GatewayServer) endpointLabel(r *http.Request) string {
	route := pricing.NormalizePath(r.URL.Path)
	if _, matched := s.catalog.Lookup(route); matched {
		return route
	}
	return "unpriced"
}

// newLogger builds the process logger. format "json" selects the production
// encoder; anything else the colored development console.
func newLogger(level, format string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}

	var zapConfig zap.Config
	if format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)

	return zapConfig.Build()
}

// panicRecoveryMiddleware catches panics in HTTP handlers and logs them.
func (s *GatewayServer) panicRecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				panicsRecovered.Inc()
				s.logger.Error("panic recovered in HTTP handler",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
					zap.String("stack", string(debug.Stack())),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware wraps HTTP handlers with request metrics
func metricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", rw.statusCode)

		httpRequestsTotal.WithLabelValues(endpoint, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(endpoint, r.Method).Observe(duration)
	})
}

// requestIDMiddleware keeps a caller-supplied X-Request-ID or assigns one,
// and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		r.Header.Set(headerRequestID, id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflights for configured origins and exposes the
// challenge header to browser clients. Without ALLOWED_ORIGINS no CORS
// headers are sent (same-origin only).
func (s *GatewayServer) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.config.AllowedOrigins))
	wildcard := false
	for _, o := range s.config.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || (!wildcard && !allowed[origin]) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		if wildcard {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Expose-Headers", "WWW-Authenticate, "+headerRequestID)

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+s.config.PaymentHeader)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming upstream responses working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// newUpstream returns the handler accepted requests are sent to: a reverse
// proxy to rawURL, or the payment receipt handler when rawURL is empty.
func newUpstream(rawURL string, logger *zap.Logger) (http.Handler, error) {
	if rawURL == "" {
		return http.HandlerFunc(handleReceipt), nil
	}

	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", rawURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		// Never trust payment headers from the client.
		r.Header.Del(headerPaymentTx)
		r.Header.Del(headerPaymentPayer)
		r.Header.Del(headerPaymentKind)
		r.Header.Del(headerSession)

		if p, ok := paywall.PaymentFromContext(r.Context()); ok {
			r.Header.Set(headerPaymentTx, p.ID)
			r.Header.Set(headerPaymentPayer, p.Payer)
			r.Header.Set(headerPaymentKind, string(p.Kind))
		} else if c, ok := paywall.SessionFromContext(r.Context()); ok {
			r.Header.Set(headerSession, c.Subject)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		upstreamErrors.Inc()
		logger.Error("Upstream request failed",
			zap.String("route", r.URL.Path),
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.Error(err),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}
	return proxy, nil
}

// ReceiptResponse is returned for accepted requests when no upstream is set.
type ReceiptResponse struct {
	Status   string `json:"status"` // "paid" or "session"
	Route    string `json:"route"`
	TxHash   string `json:"tx_hash,omitempty"`
	Payer    string `json:"payer,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Token    string `json:"token,omitempty"`
	PriceUSD string `json:"price_usd,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

func handleReceipt(w http.ResponseWriter, r *http.Request) {
	resp := ReceiptResponse{Route: pricing.NormalizePath(r.URL.Path)}

	if p, ok := paywall.PaymentFromContext(r.Context()); ok {
		resp.Status = "paid"
		resp.TxHash = p.ID
		resp.Payer = p.Payer
		resp.Kind = string(p.Kind)
		resp.Token = p.Token
		resp.PriceUSD = p.USDPrice.String()
		if p.Amount != nil {
			resp.Amount = p.Amount.String()
		}
	} else if c, ok := paywall.SessionFromContext(r.Context()); ok {
		resp.Status = "session"
		resp.Subject = c.Subject
	} else {
		http.Error(w, "Payment Required", http.StatusPaymentRequired)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func main() {
	logger, err := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	config, err := loadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	manifest, err := pricing.LoadManifest(config.PriceManifest)
	if err != nil {
		logger.Fatal("Failed to load price manifest", zap.Error(err))
	}
	catalog, err := pricing.NewCatalog(manifest)
	if err != nil {
		logger.Fatal("Invalid price manifest", zap.Error(err))
	}

	// Circuit breaker: 5 failures opens circuit, 30 second reset timeout
	spot, err := oracle.New(oracle.Config{
		FeedURL:          config.PriceFeedURL,
		Timeout:          config.PriceFeedTimeout,
		CacheTTL:         config.PriceCacheTTL,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		Assets: map[string]oracle.Asset{
			config.NativeSymbol: {FeedID: config.PriceFeedID, Fallback: config.NativeFallbackUSD},
		},
	}, logger.Named("oracle"))
	if err != nil {
		logger.Fatal("Failed to create price oracle", zap.Error(err))
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), config.LedgerTimeout)
	client, err := ethclient.DialContext(dialCtx, config.LedgerRPCURL)
	cancelDial()
	if err != nil {
		logger.Fatal("Failed to connect to ledger RPC", zap.Error(err))
	}
	defer client.Close()

	guard, err := replay.Open(config.ReplayDBPath)
	if err != nil {
		logger.Fatal("Failed to open replay store", zap.String("path", config.ReplayDBPath), zap.Error(err))
	}

	verifierCfg := ledger.VerifierConfig{Timeout: config.LedgerTimeout}
	pwCfg := paywall.Config{
		PayTo:          config.PayTo,
		Scheme:         config.PaymentScheme,
		ClaimHeader:    config.PaymentHeader,
		NativeSymbol:   config.NativeSymbol,
		NativeDecimals: config.NativeDecimals,
		ServiceSecret:  config.ServiceSecret,
	}
	if config.TokenAddress != "" {
		token := common.HexToAddress(config.TokenAddress)
		verifierCfg.TokenAddress = &token
		pwCfg.Token = &paywall.TokenConfig{
			Address:  token,
			Symbol:   config.TokenSymbol,
			Decimals: config.TokenDecimals,
		}
	}
	if config.SessionIssuer != "" {
		pwCfg.Sessions = session.NewVerifier(common.HexToAddress(config.SessionIssuer))
	}

	verifier := ledger.NewVerifier(client, verifierCfg, logger.Named("ledger"))
	pw, err := paywall.New(pwCfg, catalog, spot, verifier, guard, logger.Named("paywall"))
	if err != nil {
		guard.Close()
		logger.Fatal("Invalid payment configuration", zap.Error(err))
	}

	server, err := newGatewayServer(config, serverDeps{
		Catalog: catalog,
		Paywall: pw,
		Guard:   guard,
		Chain:   client,
		Breaker: spot,
	}, logger)
	if err != nil {
		guard.Close()
		logger.Fatal("Failed to initialize gateway", zap.Error(err))
	}

	logger.Info("Gateway server initialized",
		zap.String("pay_to", config.PayTo),
		zap.String("native_symbol", config.NativeSymbol),
		zap.String("token_address", config.TokenAddress),
		zap.Int("priced_routes", catalog.Len()),
		zap.String("default_price_usd", catalog.Default().String()),
		zap.String("upstream_url", config.UpstreamURL),
		zap.String("replay_db_path", config.ReplayDBPath),
		zap.Bool("sessions_enabled", config.SessionIssuer != ""),
		zap.Float64("ip_rate_limit", float64(config.IPRateLimit)),
		zap.Int("ip_burst_limit", config.IPBurstLimit),
	)

	go server.cleanupRateLimiters(5*time.Minute, 10*time.Minute)

	logger.Info("Endpoints registered",
		zap.Strings("endpoints", []string{
			"ANY /* - Payment-gated routes",
			"GET /health - Liveness check (simple health check)",
			"GET /readiness - Readiness check (dependency checks)",
			"GET /metrics - Prometheus metrics",
		}),
	)

	httpServer := &http.Server{
		Addr:         config.Port,
		Handler:      server.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.LedgerTimeout + 60*time.Second, // ledger lookups plus upstream work
		IdleTimeout:  120 * time.Second,
	}

	serverDone := make(chan struct{})

	go func() {
		logger.Info("Payment gateway starting", zap.String("port", config.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
		close(serverDone)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	close(server.shutdownChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	<-serverDone

	// In-flight requests are drained, so no consume can race the close.
	if err := guard.Close(); err != nil {
		logger.Error("Failed to close replay store", zap.Error(err))
	}

	logger.Info("Server shutdown complete")
}
