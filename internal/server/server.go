// Package server exposes the registry engine over HTTP: the Distribution
// Registry API v2 subset on /v2/ and the admin JSON API on /api/.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/registry"
)

// Server serves the registry over HTTP.
type Server struct {
	reg    *registry.Registry
	cfg    config.Config
	logger *slog.Logger

	auth *authenticator

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	bgCancel context.CancelFunc // stops background maintenance goroutines
	bg       sync.WaitGroup     // tracks background maintenance goroutines
	inFlight sync.WaitGroup     // tracks in-flight requests for graceful drain
	draining atomic.Bool        // true when draining (rejecting new requests)
}

// New creates a Server over the given engine.
func New(reg *registry.Registry, cfg config.Config, logger *slog.Logger) *Server {
	logger = logging.Default(logger)
	return &Server{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "server"),
		auth:   newAuthenticator(cfg.Auth, logger),
	}
}

// buildMux registers every route. The admin surface compresses everything;
// on /v2/ only the catalog and tags listings do, inside the dispatcher.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/v2/", http.HandlerFunc(s.handleV2))
	mux.Handle("/api/", compressMiddleware(http.HandlerFunc(s.handleAPI)))

	// Liveness probe, outside the auth check.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// Handler returns the full middleware stack, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(s.auth.middleware(s.buildMux()))
}

// trackingMiddleware counts in-flight requests for graceful drain.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// Serve starts the server on the given listener and blocks until it stops.
func (s *Server) Serve(listener net.Listener) error {
	bgCtx, bgCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	s.bgCancel = bgCancel
	server := s.server
	s.mu.Unlock()

	// Evict idle auth limiter entries for the life of the server.
	s.auth.failures.startCleanup(bgCtx, &s.bg, 5*time.Minute, 15*time.Minute)

	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	bgCancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()

	if bgCancel != nil {
		bgCancel()
		s.bg.Wait()
	}
	if server == nil {
		return nil
	}

	s.logger.Info("server stopping, draining in-flight requests")
	s.draining.Store(true)
	s.inFlight.Wait()
	return server.Shutdown(ctx)
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
