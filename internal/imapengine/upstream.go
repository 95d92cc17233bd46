// Upwards dialing: CITM does not own a mailbox, so every LOGIN/AUTHENTICATE
// a local client performs must be proven against the real IMAP server
// before the downwards session is allowed to proceed. This mirrors the
// teacher's pop3 package having no remote-dial concern at all (infodancer-
// pop3d serves a local maildir directly); grounded instead on spec.md §4's
// "Upwards" direction and original_source/libditm/ditm.c's citme_login,
// which opens the real connection and performs the real LOGIN before any
// local IMAP state is trusted.
package imapengine

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/errs"
	"github.com/infodancer/citm/internal/session"
)

// UpstreamDialer opens and authenticates the upwards leg of a CITM relay
// against the real mail server, returning a ready-to-pair upwards Session.
type UpstreamDialer interface {
	Dial(ctx context.Context, username, password string) (*Session, error)
}

// TCPUpstreamDialer dials a fixed address, speaking just enough of the IMAP
// login sequence to prove the client's credentials against the real server.
// Full command relay beyond LOGIN is the controller's job once paired.
type TCPUpstreamDialer struct {
	Addr      string
	UseTLS    bool
	TLSConfig *tls.Config
	Hostname  string
}

// Dial connects to the upstream server and performs LOGIN. On success it
// returns an upwards Session left positioned just after authentication,
// ready to be paired with a downwards Session via NewController.
func (d *TCPUpstreamDialer) Dial(ctx context.Context, username, password string) (*Session, error) {
	if d.Addr == "" {
		return nil, fmt.Errorf("no upstream address configured")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", d.Addr, err)
	}

	scheme := config.Insecure
	if d.UseTLS {
		tlsConn := tls.Client(conn, d.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("upstream tls handshake: %w", err)
		}
		conn = tlsConn
		scheme = config.TLS
	}

	reader := bufio.NewReader(conn)

	// Discard the server's untagged greeting line before issuing LOGIN.
	if _, err := reader.ReadString('\n'); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading upstream greeting: %w", err)
	}

	const tag = "U1"
	cmd := fmt.Sprintf("%s LOGIN %s %s\r\n", tag, quote(username), quote(password))
	if _, err := conn.Write([]byte(cmd)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending upstream LOGIN: %w", err)
	}

	status, err := readTaggedStatus(reader, tag)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if status != "OK" {
		conn.Close()
		return nil, fmt.Errorf("upstream LOGIN rejected: %s", status)
	}

	core := session.New(session.Upwards, func(s *session.Session, final *errs.Error) {})
	sess := NewSession(core, d.Hostname, scheme, d.TLSConfig, d.UseTLS)
	sess.SetUsername(username)
	sess.SetState(Authenticated)
	return sess, nil
}

// readTaggedStatus reads lines until it sees one tagged with tag, returning
// the status word (OK/NO/BAD). Untagged lines (capability/flags banners)
// are discarded; this is deliberately not a general response parser.
func readTaggedStatus(reader *bufio.Reader, tag string) (string, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading upstream response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == tag {
			return strings.ToUpper(fields[1]), nil
		}
	}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}
