// Package server is the HTTP transport for the reconcile service.
//
// It keeps the routes devices and operators of the previous Python service
// already use (/ping, /device_firmware.json, /upload, /assign_firmware,
// /firmwares/{file} and the dashboard at /) and adds /health and a small
// read-only JSON API under /api/v1.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fota/internal/reconcile"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxUploadBytes int64
	// ShutdownTimeout bounds graceful shutdown once the context is done.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8008",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		MaxUploadBytes:  16 << 20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithRequestIDs replaces the request ID generator.
func WithRequestIDs(gen func() string) Option {
	return func(s *Server) { s.newID = gen }
}

// Server serves the firmware service over HTTP.
type Server struct {
	cfg        Config
	svc        *reconcile.Service
	logger     *slog.Logger
	newID      func() string
	handler    http.Handler
	httpServer *http.Server
}

// New creates a Server for svc. Nothing listens until Start.
func New(cfg Config, svc *reconcile.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With("component", "server"),
		newID:  newRequestID,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		s.logger.Info("server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Device-facing.
	mux.HandleFunc("POST /ping", s.handlePing)
	mux.HandleFunc("GET /device_firmware.json", s.handleDeviceFirmware)
	mux.HandleFunc("GET /firmwares/{file}", s.handleDownload)

	// Operator-facing.
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /assign_firmware", s.handleAssign)

	mux.HandleFunc("GET /api/v1/devices", s.handleAPIDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}/desired", s.handleAPIDesired)
	mux.HandleFunc("GET /api/v1/firmwares", s.handleAPIFirmwares)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"summary": s.svc.Summarize(r.Context()),
	})
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
