package imapengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/errs"
	"github.com/infodancer/citm/internal/logging"
	"github.com/infodancer/citm/internal/metrics"
	"github.com/infodancer/citm/internal/server"
	"github.com/infodancer/citm/internal/session"
)

// Handler builds a downwards server.ConnectionHandler: CITM's local
// listener accepts the mail client's connection and answers each command
// from this package's command registry (CAPABILITY, NOOP, LOGOUT,
// STARTTLS, LOGIN, AUTHENTICATE, SELECT), adapting the teacher's
// pop3.Handler to IMAP. Commands are answered locally; none are forwarded
// to the upwards session.
func Handler(hostname string, tlsConfig *tls.Config, authProvider AuthProvider, collector metrics.Collector) server.ConnectionHandler {
	RegisterCommands(authProvider)

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, hostname, tlsConfig, collector)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, hostname string, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.SessionOpened("downwards")
	defer collector.SessionClosed("downwards")

	core := session.New(session.Downwards, func(s *session.Session, final *errs.Error) {})
	core.RefUp(session.IMAP, session.StartPending)
	defer core.RefDown(session.IMAP, session.StartPending)

	if conn.IsTLS() {
		collector.TLSConnectionEstablished("downwards")
	}

	// scheme reflects what this particular connection can do, not a single
	// listener-wide setting: already-TLS connections (tls:// listeners)
	// never offer STARTTLS; plaintext connections offer it only when a
	// certificate is configured at all (starttls:// listeners).
	scheme := config.Insecure
	switch {
	case conn.IsTLS():
		scheme = config.TLS
	case tlsConfig != nil:
		scheme = config.StartTLS
	}

	sess := NewSession(core, hostname, scheme, tlsConfig, conn.IsTLS())
	defer sess.Cleanup()

	// lastTag tracks the tag of the command that opened an in-progress
	// AUTHENTICATE exchange, since a continuation's "+ " reply carries no
	// tag of its own but the eventual OK/NO completion must echo the
	// original one.
	var lastTag string

	logger.Info("starting IMAP session", "state", sess.State().String(), "tls_state", sess.TLSState())

	greeting := fmt.Sprintf("* OK %s CITM ready\r\n", hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}
		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		logger.Debug("received command", "line", line)

		if sess.IsSASLInProgress() {
			authCmd, ok := GetCommand("AUTHENTICATE")
			if !ok {
				logger.Error("AUTHENTICATE command not registered")
				sess.ClearSASL()
				writeResponse(conn, Response{Status: "BAD", Text: "internal server error"}, lastTag)
				continue
			}
			auth, ok := authCmd.(*authenticateCommand)
			if !ok {
				logger.Error("AUTHENTICATE command has wrong type")
				sess.ClearSASL()
				writeResponse(conn, Response{Status: "BAD", Text: "internal server error"}, lastTag)
				continue
			}
			resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
			if err != nil {
				logger.Error("SASL processing error", "error", err.Error())
				sess.ClearSASL()
				writeResponse(conn, Response{Status: "BAD", Text: "internal server error"}, lastTag)
				continue
			}
			writeResponse(conn, resp, lastTag)
			if resp.Status == "OK" || resp.Status == "NO" {
				collector.AuthAttempt(extractDomain(sess.Username()), resp.Status == "OK")
				collector.CommandProcessed("AUTHENTICATE")
			}
			continue
		}

		parsed, err := ParseCommand(line)
		if err != nil {
			continue
		}
		lastTag = parsed.Tag

		cmd, ok := GetCommand(parsed.Name)
		if !ok {
			writeResponse(conn, Response{Status: "BAD", Text: "unknown command"}, parsed.Tag)
			continue
		}

		collector.CommandProcessed(parsed.Name)
		resp, err := cmd.Execute(ctx, sess, conn, parsed.Args)
		if err != nil {
			logger.Error("command execution error", "command", parsed.Name, "error", err.Error())
			writeResponse(conn, Response{Status: "BAD", Text: "internal server error"}, parsed.Tag)
			continue
		}

		writeResponse(conn, resp, parsed.Tag)

		if parsed.Name == "LOGIN" || parsed.Name == "AUTHENTICATE" {
			if resp.Status == "OK" || resp.Status == "NO" {
				collector.AuthAttempt(extractDomain(sess.Username()), resp.Status == "OK")
			}
		}

		switch parsed.Name {
		case "STARTTLS":
			if resp.Status == "OK" {
				if err := upgradeToTLS(conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				collector.TLSConnectionEstablished("downwards")
				logger.Info("TLS upgrade successful", "tls_state", sess.TLSState())
			}
		case "LOGOUT":
			logger.Info("LOGOUT command received, closing connection")
			return
		}
	}
}

func writeResponse(conn *server.Connection, resp Response, tag string) {
	if _, err := conn.Writer().WriteString(resp.String(tag)); err != nil {
		return
	}
	_ = conn.Flush()
}

func upgradeToTLS(conn *server.Connection, sess *Session) error {
	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}
	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	sess.SetTLSActive()
	return nil
}

func extractDomain(username string) string {
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "unknown"
}
