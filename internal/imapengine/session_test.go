package imapengine

import (
	"crypto/tls"
	"testing"

	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/errs"
	"github.com/infodancer/citm/internal/session"
)

func newTestCore() *session.Session {
	return session.New(session.Downwards, func(s *session.Session, final *errs.Error) {})
}

func TestNewSessionTLSStateReflectsSchemeAndConn(t *testing.T) {
	cases := []struct {
		name      string
		scheme    config.ListenerScheme
		tlsConfig *tls.Config
		isTLS     bool
		wantTLS   bool
	}{
		{"insecure", config.Insecure, nil, false, false},
		{"starttls before upgrade", config.StartTLS, &tls.Config{}, false, false},
		{"tls listener", config.TLS, &tls.Config{}, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := NewSession(newTestCore(), "mail.example.com", c.scheme, c.tlsConfig, c.isTLS)
			if s.IsTLSActive() != c.wantTLS {
				t.Fatalf("expected IsTLSActive=%v, got %v", c.wantTLS, s.IsTLSActive())
			}
		})
	}
}

func TestCanStartTLSOnlyOnStartTLSSchemeBeforeAuthAndPlaintext(t *testing.T) {
	s := NewSession(newTestCore(), "mail.example.com", config.StartTLS, &tls.Config{}, false)
	if !s.CanStartTLS() {
		t.Fatalf("expected STARTTLS to be offered on a fresh starttls:// connection")
	}

	s.SetTLSActive()
	if s.CanStartTLS() {
		t.Fatalf("STARTTLS should not be offered once TLS is already active")
	}
}

func TestCanStartTLSFalseWithoutTLSConfig(t *testing.T) {
	s := NewSession(newTestCore(), "mail.example.com", config.StartTLS, nil, false)
	if s.CanStartTLS() {
		t.Fatalf("STARTTLS should never be offered without a TLS config")
	}
}

func TestCanStartTLSFalseAfterAuthentication(t *testing.T) {
	s := NewSession(newTestCore(), "mail.example.com", config.StartTLS, &tls.Config{}, false)
	s.SetState(Authenticated)
	if s.CanStartTLS() {
		t.Fatalf("STARTTLS should not be offered after authentication")
	}
}

func TestCapabilitiesAdvertiseLoginDisabledUntilTLS(t *testing.T) {
	plain := NewSession(newTestCore(), "mail.example.com", config.Insecure, nil, false)
	caps := plain.Capabilities()
	found := false
	for _, c := range caps {
		if c == "LOGINDISABLED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected LOGINDISABLED in capabilities without TLS, got %v", caps)
	}

	secure := NewSession(newTestCore(), "mail.example.com", config.TLS, &tls.Config{}, true)
	caps = secure.Capabilities()
	for _, c := range caps {
		if c == "LOGINDISABLED" {
			t.Fatalf("did not expect LOGINDISABLED once TLS is active, got %v", caps)
		}
		if c == "AUTH=PLAIN" {
			found = true
		}
	}
}

func TestSetSelectedMailboxEntersSelectedState(t *testing.T) {
	s := NewSession(newTestCore(), "mail.example.com", config.TLS, &tls.Config{}, true)
	s.SetState(Authenticated)
	s.SetSelectedMailbox("INBOX")
	if s.State() != Selected {
		t.Fatalf("expected state Selected after SetSelectedMailbox, got %v", s.State())
	}
	if s.SelectedMailbox() != "INBOX" {
		t.Fatalf("expected selected mailbox INBOX, got %q", s.SelectedMailbox())
	}
}

func TestCleanupClearsSensitiveState(t *testing.T) {
	s := NewSession(newTestCore(), "mail.example.com", config.TLS, &tls.Config{}, true)
	s.SetKeyMaterial(nil, nil)
	s.Cleanup()
	if s.IsSASLInProgress() {
		t.Fatalf("expected no SASL exchange in progress after Cleanup")
	}
	if s.KeyPair() != nil {
		t.Fatalf("expected key pair cleared after Cleanup")
	}
}
