package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/infodancer/citm/internal/config"
)

// Server coordinates the listeners named in a Config and dispatches
// accepted connections to a single ConnectionHandler (the downwards IMAP
// engine entry point).
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	handler ConnectionHandler
	limiter *ConnectionLimiter

	listeners []*Listener
	mu        sync.Mutex
}

// Options configures a new Server.
type Options struct {
	Config config.Config
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tlsCfg, err := opts.Config.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building tls config: %w", err)
	}
	_ = tlsCfg // validated eagerly; resolved again per-listener in Run

	return &Server{
		cfg:     opts.Config,
		logger:  logger,
		limiter: NewConnectionLimiter(opts.Config.MaxConnections),
	}, nil
}

// SetHandler sets the connection handler for all listeners. Must be called
// before Run.
func (s *Server) SetHandler(handler ConnectionHandler) {
	s.handler = handler
}

// Run starts all configured listeners and blocks until the context is
// canceled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	tlsCfg, err := s.cfg.TLSConfig()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	for _, lc := range s.cfg.Listeners {
		if lc.Scheme == config.TLS && tlsCfg == nil {
			s.mu.Unlock()
			return fmt.Errorf("listener %s: tls:// requires --cert/--key", lc.Address)
		}

		listener := NewListener(ListenerConfig{
			Address:        lc.Address,
			Scheme:         lc.Scheme,
			TLSConfig:      tlsCfg,
			IdleTimeout:    s.cfg.IdleTimeout,
			CommandTimeout: s.cfg.CommandTimeout,
			Logger:         s.logger,
			Handler:        s.handler,
			Limiter:        s.limiter,
		})
		s.listeners = append(s.listeners, listener)
	}

	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(s.listeners)),
	)

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()
	s.logger.Info("server shutting down")

	for _, l := range s.listeners {
		_ = l.Close()
	}
	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown gracefully stops the server by closing all listeners.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Config returns the server's configuration.
func (s *Server) Config() config.Config { return s.cfg }
