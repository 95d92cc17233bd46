package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Connection wraps a single accepted net.Conn with the buffering and
// timeout bookkeeping every listener scheme needs, and tracks whether TLS
// is currently active so the IMAP engine can decide what STARTTLS/LOGIN
// capabilities to advertise.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	idleTimeout    time.Duration
	commandTimeout time.Duration

	isTLS  atomic.Bool
	closed atomic.Bool
}

func newConnection(conn net.Conn, isTLS bool, idleTimeout, commandTimeout time.Duration, logger *slog.Logger) *Connection {
	c := &Connection{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		logger:         logger,
		idleTimeout:    idleTimeout,
		commandTimeout: commandTimeout,
	}
	c.isTLS.Store(isTLS)
	return c
}

// Reader returns the buffered reader for this connection.
func (c *Connection) Reader() *bufio.Reader { return c.reader }

// Writer returns the buffered writer for this connection.
func (c *Connection) Writer() *bufio.Writer { return c.writer }

// Flush flushes any buffered output to the underlying connection.
func (c *Connection) Flush() error { return c.writer.Flush() }

// Logger returns the per-connection logger, satisfying ConnectionLogger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// IsTLS reports whether TLS is currently active on this connection.
func (c *Connection) IsTLS() bool { return c.isTLS.Load() }

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// RemoteAddr returns the remote network address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetCommandTimeout arms the read deadline for the next command line.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout re-arms the read deadline for the longer idle window
// after a command completes.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// UpgradeToTLS performs a STARTTLS-style in-place upgrade: it wraps the raw
// connection in a tls.Conn, completes the handshake, and replaces the
// buffered reader/writer so subsequent reads/writes go through TLS.
func (c *Connection) UpgradeToTLS(cfg *tls.Config) error {
	if c.isTLS.Load() {
		return ErrAlreadyTLS
	}
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS.Store(true)
	return nil
}

// Close closes the underlying connection.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}
