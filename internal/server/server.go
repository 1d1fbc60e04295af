// Package server exposes the operational HTTP surface: health, readiness,
// Prometheus metrics and a manual cycle trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/pricewatch/internal/logger"
	"github.com/rewired-gh/pricewatch/internal/models"
)

// Store reports whether the database is reachable and serves cycle history.
type Store interface {
	Ping(ctx context.Context) error
	RecentCycles(ctx context.Context, n int) ([]models.CycleSummary, error)
}

// Checker runs on-demand cycles and reports breaker state.
type Checker interface {
	CheckAlertsNow(ctx context.Context, coinID string) (models.CycleSummary, error)
	BreakerStates() map[string]string
}

// Options configures the server.
type Options struct {
	Addr string
	// Ready reports whether the process has finished starting. Nil means always ready.
	Ready        func() bool
	PingTimeout  time.Duration
	CheckTimeout time.Duration
}

// Server is the ops HTTP server.
type Server struct {
	store   Store
	checker Checker
	opts    Options
	http    *http.Server
}

// New creates a server; call Start to listen.
func New(store Store, checker Checker, opts Options) *Server {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 2 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 5 * time.Minute
	}
	s := &Server{store: store, checker: checker, opts: opts}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /check-alerts", s.handleCheck)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("GET /cycles", s.handleCycles)
	return mux
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		logger.Info("Ops server listening on %s", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server stopped: %v", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.PingTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		logger.Warn("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready != nil && !s.opts.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleCheck runs one cycle. The cycle is detached from the request so a
// disconnecting client does not abandon dispatch halfway.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	coin := models.NormalizeCoinID(r.URL.Query().Get("coin"))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.CheckTimeout)
	defer cancel()

	summary, err := s.checker.CheckAlertsNow(ctx, coin)
	if err != nil {
		logger.Error("Manual check failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, summary)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.BreakerStates())
}

// handleCycles lists the most recent cycle summaries, newest first.
func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	cycles, err := s.store.RecentCycles(r.Context(), limit)
	if err != nil {
		logger.Error("Failed to load cycle history: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load cycle history"})
		return
	}
	if cycles == nil {
		cycles = []models.CycleSummary{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}
