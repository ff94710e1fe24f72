package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/msageha/aispire/internal/queue"
)

// HealthFunc reports liveness details for /health.
type HealthFunc func() map[string]any

// NewRouter serves /metrics (Prometheus text format), /summary, /queue and
// /health. Browser requests are limited to origins (see AllowOrigins).
func NewRouter(m *Metrics, snapshot func() queue.Snapshot, health HealthFunc, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(AllowOrigins(origins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		writeJSON(w, http.StatusOK, body)
	})
	r.Get("/summary", func(w http.ResponseWriter, _ *http.Request) {
		if !m.Enabled() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "metrics disabled"})
			return
		}
		writeJSON(w, http.StatusOK, m.Summary())
	})
	r.Get("/queue", func(w http.ResponseWriter, _ *http.Request) {
		if snapshot == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, snapshot())
	})
	if m.Enabled() {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server exposes a router over HTTP.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
	done   chan struct{}
}

func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics_http").Logger(),
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics http server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics http server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
