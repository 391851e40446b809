// Package admin exposes operational surfaces next to the proxy listener:
// an http router for health, metrics and counters, and a grpc server with
// the standard health service and a stats snapshot rpc.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gemini_proxy/internal/obs"
)

type RouterConfig struct {
	Stats   StatsSource
	Metrics *obs.Metrics
	Health  *Health
	Auth    *Authenticator
	Logger  *obs.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = obs.Nop()
	}
	h := &handler{stats: cfg.Stats, metrics: cfg.Metrics, health: cfg.Health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	r.Get("/stats", h.handleStats)
	r.With(cfg.Auth.Require).Post("/stats/reset-daily", h.handleResetDaily)
	return r
}

type handler struct {
	stats   StatsSource
	metrics *obs.Metrics
	health  *Health
	logger  *obs.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	brokerState := "disabled"
	if h.stats != nil {
		brokerState = h.stats.BrokerState()
	}
	if h.health.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining", "broker": brokerState})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "broker": brokerState})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, buildView(h.stats, h.metrics))
}

func (h *handler) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stats unavailable"})
		return
	}
	h.stats.ResetDaily()
	h.logger.Event(obs.LevelMinimal, "stats_reset").Str("remote_addr", r.RemoteAddr).Msg("daily counters reset by admin request")
	writeJSON(w, http.StatusOK, buildView(h.stats, h.metrics))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// HTTPServer serves the admin router on its own listener.
type HTTPServer struct {
	Addr   string
	server *http.Server
	logger *obs.Logger
}

func StartHTTP(addr string, handler http.Handler, logger *obs.Logger) (*HTTPServer, error) {
	if logger == nil {
		logger = obs.Nop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &HTTPServer{
		Addr:   ln.Addr().String(),
		server: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin_error", err).Str("addr", s.Addr).Msg("admin listener failed")
		}
	}()
	return s, nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return err
	}
	return nil
}
