// Package admin serves the operator HTTP API next to the data transports:
// health, engine statistics, Prometheus metrics and manual compaction.
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

	kvserrors "kvs/pkg/errors"
	"kvs/pkg/logging"
	"kvs/pkg/metrics"
	"kvs/pkg/storage"
)

// Config holds the admin server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *logging.Logger

	// Registry backs GET /metrics. Nil serves an empty metrics page.
	Registry *metrics.Registry
}

// DefaultConfig returns reasonable default configuration values.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:4080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual compaction answers when done
	}
}

// Server is the admin HTTP server.
type Server struct {
	engine     storage.Maintainer
	router     *chi.Mux
	httpServer *http.Server
	logger     *logging.Logger
	listener   net.Listener
	started    time.Time
}

// New creates the admin server for engine.
func New(engine storage.Maintainer, config Config) *Server {
	defaults := DefaultConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.WithComponent("admin")
	}
	registry := config.Registry
	if registry == nil {
		registry = metrics.NewRegistry(metrics.Config{})
	}

	s := &Server{
		engine:  engine,
		router:  chi.NewRouter(),
		logger:  logger,
		started: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Method(http.MethodGet, "/metrics", registry.Handler())
	s.router.Post("/compact", s.handleCompact)
	s.router.Post("/sync", s.handleSync)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorLog:     logging.StdLogger(logger),
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the listen address.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return kvserrors.NewConnectionError(s.httpServer.Addr, err).WithRetryable(false)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve handles requests until Shutdown, after which it returns nil.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("admin: Serve called before Listen")
	}
	s.logger.WithField("address", s.listener.Addr().String()).Info("admin server listening")
	if err := s.httpServer.Serve(s.listener); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	err := s.httpServer.Shutdown(ctx)
	if s.listener != nil {
		// Serve may never have run
		s.listener.Close()
	}
	return err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(map[string]interface{}{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    wrapped.Status(),
			"duration":  time.Since(start).String(),
			"requestId": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type statsResponse struct {
	storage.Stats
	StaleRatio float64 `json:"stale_ratio"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, statsResponse{Stats: stats, StaleRatio: stats.StaleRatio()})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.engine.Compact(); err != nil {
		s.engineError(w, "compact", err)
		return
	}
	stats := s.engine.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "compacted",
		"elapsed": time.Since(start).String(),
		"stats":   statsResponse{Stats: stats, StaleRatio: stats.StaleRatio()},
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Sync(); err != nil {
		s.engineError(w, "sync", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "synced"})
}

// engineError answers with the HTTP status matching err.
func (s *Server) engineError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrCompactionInProgress):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrStorageClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.WithError(err).WithField("operation", op).Error("admin operation failed")
	}
	s.errorResponse(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
