package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/config"
)

// Server is the status/admin HTTP server. It owns the listener; a bind
// failure is a fatal startup error with an actionable message, never a
// retry loop.
type Server struct {
	cfg      config.ServerConfig
	server   *http.Server
	stopOnce sync.Once
}

// NewServer creates the server over the given router. Call Start to bind.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

// Start binds the listener and serves until the context is cancelled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("cannot bind %s: address already in use. "+
				"Another tillcore instance may be running; stop it or change server.port: %w",
				s.server.Addr, err)
		}
		return fmt.Errorf("cannot bind %s: %w", s.server.Addr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("status server shutdown signal received")
		return nil
	case err := <-errChan:
		return fmt.Errorf("status server failed: %w", err)
	}
}

// Stop gracefully shuts the server down. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("status server shutdown: %w", err)
		} else {
			logger.Info("status server stopped")
		}
	})
	return shutdownErr
}
