package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/citm/internal/config"
)

// ConnectionHandler processes one accepted connection. It returns when the
// session ends; the listener closes the connection afterward if the
// handler hasn't already.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single listening socket.
type ListenerConfig struct {
	Address        string
	Scheme         config.ListenerScheme
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	Logger         *slog.Logger
	Handler        ConnectionHandler
	Limiter        *ConnectionLimiter
}

// Listener accepts connections for one configured address, terminating TLS
// immediately for tls:// listeners and leaving STARTTLS upgrade to the
// handler for starttls:// listeners.
type Listener struct {
	cfg ListenerConfig
	ln  net.Listener
}

// NewListener constructs a Listener; call Start to begin accepting.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured listen address.
func (l *Listener) Address() string { return l.cfg.Address }

// Start binds the listening socket (wrapping it in TLS immediately for
// tls:// listeners) and accepts connections until ctx is canceled or Close
// is called.
func (l *Listener) Start(ctx context.Context) error {
	var ln net.Listener
	var err error

	switch l.cfg.Scheme {
	case config.TLS:
		if l.cfg.TLSConfig == nil {
			return ErrTLSRequired
		}
		ln, err = tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	case config.Insecure, config.StartTLS:
		ln, err = net.Listen("tcp", l.cfg.Address)
	default:
		return ErrUnknownScheme
	}
	if err != nil {
		return err
	}
	l.ln = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.TryAcquire() {
			_ = conn.Close()
			continue
		}

		go l.serve(ctx, conn)
	}
}

func (l *Listener) serve(ctx context.Context, conn net.Conn) {
	if l.cfg.Limiter != nil {
		defer l.cfg.Limiter.Release()
	}
	defer conn.Close()

	isTLS := l.cfg.Scheme == config.TLS
	c := newConnection(conn, isTLS, l.cfg.IdleTimeout, l.cfg.CommandTimeout, l.cfg.Logger)

	handler := l.cfg.Handler
	if handler == nil {
		return
	}
	handler(ctx, c)
}

// Close stops accepting new connections on this listener.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
