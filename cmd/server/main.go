package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kanadmarick/BitStyleMessagingApp/internal/config"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/db"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/handler"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/metrics"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/middleware"
	"github.com/kanadmarick/BitStyleMessagingApp/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	slog.SetLogLoggerLevel(parseLogLevel(cfg.LogLevel))

	handler.SetAllowedOrigins(cfg.AllowedOrigins)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open message store: ", err)
	}
	defer database.Close()
	if count, err := database.CountMessages(); err == nil {
		slog.Info("Message store initialized", "path", cfg.DBPath, "messages", count)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collectRuntimeMetrics(ctx, cfg.DBPath)

	registry := session.NewRegistry()
	relay := handler.NewRelay(database, registry)
	historyHandler := &handler.HistoryHandler{DB: database}

	historyLimiter := middleware.NewRateLimiter(ctx, 60, time.Minute, cfg.TrustedProxies)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", historyHandler.Health)
	mux.HandleFunc("GET /history", historyLimiter.Middleware(http.HandlerFunc(historyHandler.History)).ServeHTTP)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", relay.HandleWebSocket)

	if cfg.WebDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.WebDir)))
	}

	listener, port, err := listenPortRange(cfg.Host, cfg.PortMin, cfg.PortMax)
	if err != nil {
		log.Fatal("No free port in configured range: ", err)
	}

	server := &http.Server{
		Handler:     bodyLimitMiddleware(securityHeadersMiddleware(corsMiddleware(loggingMiddleware(mux)))),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("ByteChat relay starting", "host", cfg.Host, "port", port)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// listenPortRange binds the first free port in [min, max]. Restarting relays
// and local multi-instance runs walk forward through the range instead of
// failing on a port still in TIME_WAIT.
func listenPortRange(host string, min, max int) (net.Listener, int, error) {
	var lastErr error
	for port := min; port <= max; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return listener, port, nil
		}
		lastErr = err
		slog.Debug("Port unavailable, trying next", "port", port, "error", err)
	}
	return nil, 0, fmt.Errorf("ports %d-%d all in use: %w", min, max, lastErr)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// collectRuntimeMetrics refreshes the gauges that cannot be incremented at
// an event site: process uptime and message database file size.
func collectRuntimeMetrics(ctx context.Context, dbPath string) {
	start := time.Now()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UptimeSeconds.Set(time.Since(start).Seconds())
			if info, err := os.Stat(dbPath); err == nil {
				metrics.DatabaseSizeBytes.Set(float64(info.Size()))
			}
		}
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

const maxBodySize = 64 * 1024

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && handler.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
