package imapengine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/infodancer/citm/internal/config"
)

type testConn struct {
	logger *slog.Logger
}

func (c testConn) Logger() *slog.Logger { return c.logger }

func newTestConn() testConn {
	return testConn{logger: slog.Default()}
}

type stubAuth struct {
	ok bool
}

func (a stubAuth) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	if a.ok {
		return nil, nil
	}
	return nil, errBadCreds
}

var errBadCreds = &stubError{"bad credentials"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestParseCommandRequiresTagAndName(t *testing.T) {
	if _, err := ParseCommand("A1"); err == nil {
		t.Fatalf("expected an error for a line with no command name")
	}
	parsed, err := ParseCommand("A1 LOGIN alice secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Tag != "A1" || parsed.Name != "LOGIN" || len(parsed.Args) != 2 {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestResponseStringFormatsUntaggedThenTagged(t *testing.T) {
	r := Response{Status: "OK", Text: "done", Untagged: []string{"CAPABILITY IMAP4rev1"}}
	got := r.String("A1")
	want := "* CAPABILITY IMAP4rev1\r\nA1 OK done\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResponseStringContinuationHasNoTag(t *testing.T) {
	r := Response{Continuation: true, Text: "abcd"}
	got := r.String("A1")
	if got != "+ abcd\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestCapabilityCommandRejectsArguments(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.Insecure, nil, false)
	cmd := &capabilityCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"extra"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "BAD" {
		t.Fatalf("expected BAD for unexpected arguments, got %+v", resp)
	}
}

func TestLoginRequiresTLS(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.Insecure, nil, false)
	cmd := &loginCommand{authProvider: stubAuth{ok: true}}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"alice", "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "NO" {
		t.Fatalf("expected NO without TLS, got %+v", resp)
	}
}

func TestLoginSucceedsOverTLSWithValidCredentials(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &loginCommand{authProvider: stubAuth{ok: true}}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"alice", "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "OK" {
		t.Fatalf("expected OK, got %+v", resp)
	}
	if sess.State() != Authenticated {
		t.Fatalf("expected session to be Authenticated, got %v", sess.State())
	}
	if sess.Username() != "alice" {
		t.Fatalf("expected username alice, got %q", sess.Username())
	}
}

func TestLoginFailsWithBadCredentials(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &loginCommand{authProvider: stubAuth{ok: false}}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"alice", "wrong"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "NO" {
		t.Fatalf("expected NO for bad credentials, got %+v", resp)
	}
	if sess.State() != NotAuthenticated {
		t.Fatalf("expected state to remain NotAuthenticated, got %v", sess.State())
	}
}

func TestSelectRequiresAuthentication(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &selectCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"INBOX"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "BAD" {
		t.Fatalf("expected BAD before authentication, got %+v", resp)
	}
}

func TestSelectEntersSelectedStateAndAdvertisesFlags(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	sess.SetState(Authenticated)
	cmd := &selectCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"INBOX"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "OK" {
		t.Fatalf("expected OK, got %+v", resp)
	}
	if sess.State() != Selected || sess.SelectedMailbox() != "INBOX" {
		t.Fatalf("expected SELECTED/INBOX, got state=%v mailbox=%q", sess.State(), sess.SelectedMailbox())
	}
	if len(resp.Untagged) != 1 {
		t.Fatalf("expected a single FLAGS untagged line, got %v", resp.Untagged)
	}
}

func TestAuthenticatePlainWithInitialResponseSucceeds(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &authenticateCommand{authProvider: stubAuth{ok: true}}

	initial := "\x00alice\x00secret"
	encoded := EncodeSASLChallenge([]byte(initial))

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN", encoded})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "OK" {
		t.Fatalf("expected OK, got %+v", resp)
	}
	if sess.State() != Authenticated || sess.Username() != "alice" {
		t.Fatalf("expected alice authenticated, got state=%v username=%q", sess.State(), sess.Username())
	}
	if sess.IsSASLInProgress() {
		t.Fatalf("expected SASL exchange to be cleared after completion")
	}
}

func TestAuthenticatePlainWithoutInitialResponseContinues(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &authenticateCommand{authProvider: stubAuth{ok: true}}

	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Continuation {
		t.Fatalf("expected a continuation request, got %+v", resp)
	}
	if !sess.IsSASLInProgress() {
		t.Fatalf("expected a SASL exchange to now be in progress")
	}

	line := EncodeSASLChallenge([]byte("\x00alice\x00secret"))
	final, err := cmd.ProcessSASLResponse(context.Background(), sess, newTestConn(), line)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != "OK" {
		t.Fatalf("expected OK, got %+v", final)
	}
}

func TestAuthenticateCancelledWithAsterisk(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &authenticateCommand{authProvider: stubAuth{ok: true}}

	if _, err := cmd.Execute(context.Background(), sess, newTestConn(), []string{"PLAIN"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := cmd.ProcessSASLResponse(context.Background(), sess, newTestConn(), "*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "BAD" {
		t.Fatalf("expected BAD on cancellation, got %+v", resp)
	}
	if sess.IsSASLInProgress() {
		t.Fatalf("expected SASL exchange to be cleared after cancellation")
	}
}

func TestLogoutSetsLoggedOutState(t *testing.T) {
	sess := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	cmd := &logoutCommand{}
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "OK" || len(resp.Untagged) != 1 {
		t.Fatalf("unexpected logout response: %+v", resp)
	}
	if sess.State() != LoggedOut {
		t.Fatalf("expected state LoggedOut, got %v", sess.State())
	}
}
