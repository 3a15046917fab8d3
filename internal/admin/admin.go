// Package admin exposes the worker's operational surface: a health probe and
// the Prometheus metrics endpoint. It carries no pipeline functionality.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftline/internal/breaker"
	"driftline/internal/observability/logging"
	"driftline/internal/observability/metrics"
	"driftline/internal/pipeline"
	"driftline/internal/queue"
)

// HealthChecker probes one upstream dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config wires the admin listener.
type Config struct {
	Addr            string
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	Breakers        *breaker.Registry
	Store           queue.Store
	Collaborator    HealthChecker
	ShutdownTimeout time.Duration
}

// Server is the admin HTTP listener.
type Server struct {
	httpServer   *http.Server
	logger       *slog.Logger
	breakers     *breaker.Registry
	store        queue.Store
	collaborator HealthChecker
	shutdown     time.Duration
}

const defaultShutdownTimeout = 10 * time.Second

func New(cfg Config) *Server {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	srv := &Server{
		logger:       logging.WithComponent(logger, "admin"),
		breakers:     cfg.Breakers,
		store:        cfg.Store,
		collaborator: cfg.Collaborator,
		shutdown:     cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.health)
	mux.Handle("/metrics", recorder.Handler())

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

type healthResponse struct {
	Status       string                  `json:"status"`
	Collaborator string                  `json:"collaborator"`
	Breakers     map[string]string       `json:"breakers,omitempty"`
	Queues       map[string]queue.Counts `json:"queues,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Collaborator: "ok"}
	if s.collaborator != nil {
		if err := s.collaborator.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Collaborator = err.Error()
		}
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.States()
		for _, state := range resp.Breakers {
			if state != "closed" {
				resp.Status = "degraded"
			}
		}
	}
	if s.store != nil {
		resp.Queues = make(map[string]queue.Counts)
		for _, name := range pipeline.Queues() {
			counts, err := s.store.Counts(ctx, name)
			if err != nil {
				resp.Status = "degraded"
				continue
			}
			resp.Queues[name] = counts
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("admin listener started", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// requestIDMiddleware honors an incoming X-Request-Id or mints one, and
// echoes it on the response so probes can be correlated with log lines.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
