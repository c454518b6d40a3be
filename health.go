package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paygate/internal/oracle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	healthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_health_checks_total",
			Help: "Total number of health/readiness checks by status",
		},
		[]string{"type", "status"},
	)

	dependencyStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_dependency_status",
			Help: "Status of dependencies (1=up, 0.5=degraded, 0=down)",
		},
		[]string{"dependency"},
	)
)

// ChainHead reports the latest block of the ledger node.
type ChainHead interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// BreakerReporter exposes the price feed circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// Health check response
type HealthResponse struct {
	Status       string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp    string            `json:"timestamp"`
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	Dependencies map[string]Health `json:"dependencies"`
	Metrics      HealthMetrics     `json:"metrics"`
}

type Health struct {
	Status      string  `json:"status"` // "up", "down", "degraded"
	Latency     *string `json:"latency,omitempty"`
	Message     string  `json:"message,omitempty"`
	LastChecked string  `json:"last_checked"`
}

type HealthMetrics struct {
	ConsumedPayments int `json:"consumed_payments"`
	PricedRoutes     int `json:"priced_routes"`
	TrackedClients   int `json:"tracked_clients"`
}

var (
	serverStartTime = time.Now()
	appVersion      = "1.0.0"
)

const readinessCheckTimeout = 5 * time.Second

// GET /health - Liveness check (is the server running?)
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(serverStartTime).String(),
	}

	healthChecks.WithLabelValues("liveness", "healthy").Inc()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// GET /readiness - Readiness check. The ledger node and the replay store are
// hard dependencies; an open price feed breaker only degrades the gateway
// because quotes fall back to the configured constant.
func (s *GatewayServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	deps := make(map[string]Health)
	overallStatus := "healthy"

	ledgerHealth := s.checkLedger(ctx)
	deps["ledger"] = ledgerHealth
	if ledgerHealth.Status != "up" {
		overallStatus = "unhealthy"
	}

	consumed, storeHealth := s.checkReplayStore(ctx)
	deps["replay_store"] = storeHealth
	if storeHealth.Status != "up" {
		overallStatus = "unhealthy"
	}

	feedHealth := s.checkPriceFeed()
	deps["price_feed"] = feedHealth
	if feedHealth.Status != "up" && overallStatus == "healthy" {
		overallStatus = "degraded"
	}

	response := HealthResponse{
		Status:       overallStatus,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Version:      appVersion,
		Uptime:       time.Since(serverStartTime).String(),
		Dependencies: deps,
		Metrics: HealthMetrics{
			ConsumedPayments: consumed,
			PricedRoutes:     s.pricedRoutes,
			TrackedClients:   s.ipRateLimiter.Len(),
		},
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)

	healthChecks.WithLabelValues("readiness", overallStatus).Inc()

	for depName, depHealth := range deps {
		var statusValue float64
		switch depHealth.Status {
		case "up":
			statusValue = 1.0
		case "degraded":
			statusValue = 0.5
		case "down":
			statusValue = 0.0
		}
		dependencyStatus.WithLabelValues(depName).Set(statusValue)
	}

	if overallStatus != "healthy" {
		s.logger.Warn("Readiness check failed",
			zap.String("status", overallStatus),
			zap.Any("dependencies", deps),
		)
	}
}

// checkLedger asks the ledger node for its head block.
func (s *GatewayServer) checkLedger(ctx context.Context) Health {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.chain == nil {
		return Health{Status: "down", Message: "Ledger client not configured", LastChecked: now}
	}

	start := time.Now()
	head, err := s.chain.BlockNumber(ctx)
	latency := time.Since(start).String()
	if err != nil {
		return Health{
			Status:      "down",
			Latency:     &latency,
			Message:     fmt.Sprintf("Ledger RPC unreachable: %v", err),
			LastChecked: now,
		}
	}
	return Health{
		Status:      "up",
		Latency:     &latency,
		Message:     fmt.Sprintf("Head block %d", head),
		LastChecked: now,
	}
}

func (s *GatewayServer) checkReplayStore(ctx context.Context) (int, Health) {
	now := time.Now().UTC().Format(time.RFC3339)
	n, err := s.guard.Count(ctx)
	if err != nil {
		return 0, Health{
			Status:      "down",
			Message:     fmt.Sprintf("Replay store unavailable: %v", err),
			LastChecked: now,
		}
	}
	return n, Health{
		Status:      "up",
		Message:     fmt.Sprintf("%d payments consumed", n),
		LastChecked: now,
	}
}

func (s *GatewayServer) checkPriceFeed() Health {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.breaker == nil {
		return Health{Status: "up", Message: "No price feed breaker", LastChecked: now}
	}

	switch state := s.breaker.BreakerState(); state {
	case oracle.StateClosed:
		return Health{Status: "up", Message: "Price feed circuit closed", LastChecked: now}
	case oracle.StateHalfOpen:
		return Health{Status: "degraded", Message: "Price feed circuit half-open", LastChecked: now}
	default:
		return Health{Status: "degraded", Message: "Price feed circuit open, using fallback rates", LastChecked: now}
	}
}
