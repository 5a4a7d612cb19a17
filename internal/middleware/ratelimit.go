// Package middleware holds the HTTP middleware for the relay's REST surface.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"
)

// RateLimiter is a fixed-window per-IP request limiter. Websocket traffic is
// not routed through it; the relay applies its own per-connection message
// rate cap.
type RateLimiter struct {
	visitors       map[string]*visitor
	mu             sync.Mutex
	rate           int
	window         time.Duration
	trustedProxies []string
}

type visitor struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter allows rate requests per window per client IP. The cleanup
// goroutine exits when ctx is cancelled.
func NewRateLimiter(ctx context.Context, rate int, window time.Duration, trustedProxies []string) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	for _, p := range trustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			rl.trustedProxies = append(rl.trustedProxies, p)
		}
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.windowStart) > rl.window {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) isTrustedProxy(ip string) bool {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return false
	}

	for _, proxy := range rl.trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, ipNet, err := net.ParseCIDR(proxy); err == nil && ipNet.Contains(parsedIP) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(proxy); parsed != nil && parsed.Equal(parsedIP) {
			return true
		}
	}
	return false
}

// clientIP resolves the address to rate-limit on. X-Forwarded-For is only
// believed when the direct peer is a trusted proxy, and only up to the
// nearest untrusted hop.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	remoteIP, ok := normalizeIP(r.RemoteAddr)
	if !ok {
		return r.RemoteAddr
	}

	if len(rl.trustedProxies) == 0 || !rl.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return remoteIP
	}

	hops := make([]string, 0, 4)
	for _, part := range strings.Split(forwarded, ",") {
		if ip, ok := normalizeIP(part); ok {
			hops = append(hops, ip)
		}
	}
	if len(hops) == 0 {
		return remoteIP
	}

	for i := len(hops) - 1; i >= 0; i-- {
		if !rl.isTrustedProxy(hops[i]) {
			return hops[i]
		}
	}
	return hops[0]
}

func normalizeIP(raw string) (string, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", false
	}

	if host, _, err := net.SplitHostPort(value); err == nil {
		value = strings.TrimSpace(host)
	}
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")

	parsed := net.ParseIP(value)
	if parsed == nil {
		return "", false
	}
	return parsed.String(), true
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := rl.clientIP(r)
		now := time.Now()

		rl.mu.Lock()
		v, exists := rl.visitors[ip]
		if !exists || now.Sub(v.windowStart) > rl.window {
			rl.visitors[ip] = &visitor{windowStart: now, count: 1}
			rl.mu.Unlock()
			next.ServeHTTP(w, r)
			return
		}
		v.count++
		count := v.count
		rl.mu.Unlock()

		if count > rl.rate {
			WriteJSONError(w, "Too many requests. Please try again later.", "RATE_LIMITED", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// WriteJSONError writes the standard JSON error body.
func WriteJSONError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{Error: message, Code: code})
}
