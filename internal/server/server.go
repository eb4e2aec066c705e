// Package server runs an http.Handler on a TCP listener with the timeouts
// every metaproxy listener shares.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/majorcontext/metaproxy/internal/log"
)

// Server wraps a handler in an HTTP server.
type Server struct {
	name     string
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	addr     string
	bindAddr string
	errc     chan error
}

// New creates a server named name (used in logs) that will bind to addr.
// A port of 0 picks a free port.
func New(name, addr string, handler http.Handler) *Server {
	return &Server{
		name:     name,
		handler:  handler,
		bindAddr: addr,
		errc:     make(chan error, 1),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("%s: creating listener: %w", s.name, err)
	}

	s.listener = listener
	s.addr = listener.Addr().String()

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		err := s.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errc <- err
	}()
	log.Info("listening", "server", s.name, "addr", s.addr)
	return nil
}

// Addr returns the bound address (host:port).
func (s *Server) Addr() string {
	return s.addr
}

// URL returns an http:// URL for the bound address.
func (s *Server) URL() string {
	return "http://" + s.addr
}

// Err receives the error Serve returned, or nil after a clean Stop.
func (s *Server) Err() <-chan error {
	return s.errc
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
