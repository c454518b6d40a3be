package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Maximum number of IP rate limiters to prevent memory exhaustion
const maxIPRateLimiters = 10000

// IPRateLimiter manages per-IP rate limiters with automatic cleanup
type IPRateLimiter struct {
	limiters map[string]*rateLimiterEntry
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new per-IP rate limiter
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*rateLimiterEntry),
		rate:     r,
		burst:    b,
	}
}

// GetLimiter returns the limiter for ip, creating one if needed. At capacity
// the least recently seen entry is evicted first.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	if entry, exists := i.limiters[ip]; exists {
		entry.lastSeen = now
		return entry.limiter
	}

	if len(i.limiters) >= maxIPRateLimiters {
		var oldestIP string
		var oldestTime time.Time
		for k, e := range i.limiters {
			if oldestIP == "" || e.lastSeen.Before(oldestTime) {
				oldestIP = k
				oldestTime = e.lastSeen
			}
		}
		delete(i.limiters, oldestIP)
	}

	limiter := rate.NewLimiter(i.rate, i.burst)
	i.limiters[ip] = &rateLimiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// Cleanup removes rate limiters that haven't been used recently
func (i *IPRateLimiter) Cleanup(maxAge time.Duration) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for ip, entry := range i.limiters {
		if now.Sub(entry.lastSeen) > maxAge {
			delete(i.limiters, ip)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the number of tracked IPs.
func (i *IPRateLimiter) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.limiters)
}

// getClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the connection address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *GatewayServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		limiter := s.ipRateLimiter.GetLimiter(clientIP)

		if !limiter.Allow() {
			rateLimitRejected.WithLabelValues(s.endpointLabel(r)).Inc()
			s.logger.Warn("Per-IP rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("route", r.URL.Path),
			)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters evicts idle limiters until shutdown.
func (s *GatewayServer) cleanupRateLimiters(interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownChan:
			return
		case <-ticker.C:
			if n := s.ipRateLimiter.Cleanup(maxAge); n > 0 {
				s.logger.Debug("Cleaned up idle rate limiters", zap.Int("count", n))
			}
		}
	}
}
