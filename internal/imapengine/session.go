package imapengine

import (
	"crypto/tls"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/citm/internal/codec"
	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/ignorelist"
	"github.com/infodancer/citm/internal/session"
)

// AuthState is the IMAP connection's authentication/selection state, the
// CITM analogue of the teacher's pop3.State.
type AuthState int

const (
	// NotAuthenticated is the initial state (RFC 3501 "Not Authenticated").
	NotAuthenticated AuthState = iota
	// Authenticated is entered after a successful LOGIN/AUTHENTICATE.
	Authenticated
	// Selected is entered after a successful SELECT/EXAMINE.
	Selected
	// LoggedOut is entered after LOGOUT; no further commands are processed.
	LoggedOut
)

func (s AuthState) String() string {
	switch s {
	case NotAuthenticated:
		return "NOT AUTHENTICATED"
	case Authenticated:
		return "AUTHENTICATED"
	case Selected:
		return "SELECTED"
	case LoggedOut:
		return "LOGGED OUT"
	default:
		return "UNKNOWN"
	}
}

// TLSState mirrors pop3.TLSState: whether the connection is presently
// protected, independent of listener scheme.
type TLSState int

const (
	TLSStateNone TLSState = iota
	TLSStateActive
)

// Session is the per-connection IMAP+CITM state: the core reference-counted
// session (direction, lifecycle) plus everything the controller and the
// registered commands need to relay and rewrite traffic.
//
// An upwards Session (Direction == session.Upwards) speaks to the real mail
// server on the user's behalf; a downwards Session (session.Downwards)
// terminates the local mail client. The two are paired via Peer so the
// controller can hand decrypted/re-encrypted bodies across the relay.
type Session struct {
	Core *session.Session

	state    AuthState
	tlsState TLSState

	hostname  string
	scheme    config.ListenerScheme
	tlsConfig *tls.Config

	username string

	// saslServer/saslMech track an in-progress AUTHENTICATE exchange,
	// mirroring pop3.Session's saslServer/saslMech fields exactly.
	saslServer sasl.Server
	saslMech   string

	selectedMailbox string

	// keyPair decrypts envelopes addressed to this user's device; recipients
	// is the set this session re-encrypts outgoing/relayed messages for.
	keyPair    *codec.KeyPair
	recipients []codec.Recipient

	ignored *ignorelist.List

	// peer is the paired session on the other side of the relay (downwards
	// session's peer is the upwards session talking to the real server, and
	// vice versa). Set once both halves of a CITM pairing are established.
	peer *Session
}

// NewSession creates an IMAP session wrapping core for the given listener
// scheme and TLS configuration.
func NewSession(core *session.Session, hostname string, scheme config.ListenerScheme, tlsConfig *tls.Config, isTLS bool) *Session {
	tlsState := TLSStateNone
	if scheme == config.TLS || isTLS {
		tlsState = TLSStateActive
	}
	return &Session{
		Core:      core,
		state:     NotAuthenticated,
		tlsState:  tlsState,
		hostname:  hostname,
		scheme:    scheme,
		tlsConfig: tlsConfig,
	}
}

// State returns the current IMAP auth/selection state.
func (s *Session) State() AuthState { return s.state }

// SetState transitions the session to a new state. Callers are responsible
// for only making legal RFC 3501 transitions; this is bookkeeping, not a
// validator.
func (s *Session) SetState(state AuthState) { s.state = state }

// TLSState returns the current TLS state.
func (s *Session) TLSState() TLSState { return s.tlsState }

// SetTLSActive marks the connection as TLS-protected after a successful
// STARTTLS upgrade.
func (s *Session) SetTLSActive() { s.tlsState = TLSStateActive }

// IsTLSActive reports whether TLS is currently active.
func (s *Session) IsTLSActive() bool { return s.tlsState == TLSStateActive }

// CanStartTLS reports whether STARTTLS is currently offered: only before
// authentication, only on a starttls:// listener, only while plaintext.
func (s *Session) CanStartTLS() bool {
	return s.state == NotAuthenticated &&
		s.scheme == config.StartTLS &&
		s.tlsState == TLSStateNone &&
		s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration to use for a STARTTLS upgrade.
func (s *Session) TLSConfig() *tls.Config { return s.tlsConfig }

// Hostname returns the hostname this session was accepted on, used in
// greeting/capability banners.
func (s *Session) Hostname() string { return s.hostname }

// SetUsername records the authenticated username.
func (s *Session) SetUsername(username string) { s.username = username }

// Username returns the authenticated username, or "" before authentication.
func (s *Session) Username() string { return s.username }

// SetSASLServer records the active SASL exchange for a multi-step
// AUTHENTICATE command.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the in-progress SASL exchange, or nil if none.
func (s *Session) SASLServer() sasl.Server { return s.saslServer }

// SASLMech returns the mechanism name of the in-progress exchange.
func (s *Session) SASLMech() string { return s.saslMech }

// ClearSASL ends an in-progress SASL exchange, whether completed or
// canceled.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress reports whether an AUTHENTICATE exchange is underway.
func (s *Session) IsSASLInProgress() bool { return s.saslServer != nil }

// SetSelectedMailbox records the mailbox named by a successful SELECT.
func (s *Session) SetSelectedMailbox(name string) {
	s.selectedMailbox = name
	s.state = Selected
}

// SelectedMailbox returns the currently selected mailbox name, or "" if
// none is selected.
func (s *Session) SelectedMailbox() string { return s.selectedMailbox }

// SetKeyMaterial installs the device keypair used to decrypt inbound
// envelopes and the recipient set used to re-encrypt outbound ones.
func (s *Session) SetKeyMaterial(kp *codec.KeyPair, recipients []codec.Recipient) {
	s.keyPair = kp
	s.recipients = recipients
}

// KeyPair returns this session's device keypair, or nil if not yet
// authenticated/provisioned.
func (s *Session) KeyPair() *codec.KeyPair { return s.keyPair }

// Recipients returns the recipient set to encrypt outbound messages for.
func (s *Session) Recipients() []codec.Recipient { return s.recipients }

// SetIgnoreList attaches the persisted ignore list for this user.
func (s *Session) SetIgnoreList(l *ignorelist.List) { s.ignored = l }

// IgnoreList returns the attached ignore list, or nil if unset.
func (s *Session) IgnoreList() *ignorelist.List { return s.ignored }

// SetPeer pairs this session with the other half of the CITM relay.
func (s *Session) SetPeer(peer *Session) { s.peer = peer }

// Peer returns the paired session, or nil if this session has no peer yet
// (e.g. an upwards session still establishing its downwards counterpart).
func (s *Session) Peer() *Session { return s.peer }

// Capabilities returns the capability list to advertise, varying with TLS
// state the same way pop3.Session.Capabilities does.
func (s *Session) Capabilities() []string {
	caps := []string{"IMAP4rev1", "UIDPLUS"}
	if s.tlsState == TLSStateActive {
		caps = append(caps, "AUTH=PLAIN")
	}
	if s.CanStartTLS() {
		caps = append(caps, "STARTTLS")
	} else if s.tlsState == TLSStateNone {
		caps = append(caps, "LOGINDISABLED")
	}
	return caps
}

// Cleanup releases sensitive state when the session ends.
func (s *Session) Cleanup() {
	s.keyPair = nil
	s.recipients = nil
	s.ClearSASL()
}
