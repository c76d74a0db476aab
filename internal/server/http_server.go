package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/config"
)

// CreateServer creates an HTTP server for cfg's listen address and timeouts.
func CreateServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// ListenAndServe serves the routes until ctx is cancelled, then shuts the
// HTTP listener and every session down within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := CreateServer(s.cfg, s.Routes())

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", httpServer.Addr).Str("path", s.cfg.Server.Path).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return ShutdownServer(shutdownCtx, httpServer, s)
}

// ShutdownServer stops the HTTP listener, then closes every session. Hijacked
// WebSocket connections are not tracked by http.Server, so both steps are
// needed.
func ShutdownServer(ctx context.Context, httpServer *http.Server, s *Server) error {
	s.log.Info().Msg("Shutting down HTTP server...")

	httpErr := httpServer.Shutdown(ctx)
	if httpErr != nil {
		s.log.Error().Err(httpErr).Msg("HTTP server shutdown error")
	}
	sessErr := s.Shutdown(ctx)

	if err := errors.Join(httpErr, sessErr); err != nil {
		return err
	}
	s.log.Info().Msg("HTTP server shutdown completed")
	return nil
}
