package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/crossvault/authcore/pkg/logger"
)

// Server runs the HTTP surface as a managed service.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// NewServer wraps the handler in an http.Server bound to addr.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("http-server")
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Name implements system.Service.
func (s *Server) Name() string { return "http-server" }

// Start begins serving in the background. Listen errors after startup are
// logged, not returned.
func (s *Server) Start(context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server stopped")
			errCh <- err
		}
	}()

	// Give the listener a moment to fail fast on bind errors.
	select {
	case err := <-errCh:
		return fmt.Errorf("start http server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	s.log.WithField("addr", s.srv.Addr).Info("http server started")
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
