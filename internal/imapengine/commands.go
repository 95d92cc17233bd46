package imapengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"
)

// AuthProvider authenticates a username/password pair against the real mail
// server's credentials (CITM does not own the mailbox; it proxies to it).
// On success it returns the authenticated upwards Session, already dialed
// and paired to nothing yet; the caller pairs it with the downwards session
// via NewController once LOGIN/AUTHENTICATE completes.
type AuthProvider interface {
	Authenticate(ctx context.Context, username, password string) (*Session, error)
}

// capabilityCommand implements CAPABILITY (RFC 3501 §6.1.1).
type capabilityCommand struct{}

func (c *capabilityCommand) Name() string { return "CAPABILITY" }

func (c *capabilityCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{Status: "BAD", Text: "CAPABILITY takes no arguments"}, nil
	}
	return Response{
		Status:   "OK",
		Text:     "CAPABILITY completed",
		Untagged: []string{"CAPABILITY " + strings.Join(sess.Capabilities(), " ")},
	}, nil
}

// noopCommand implements NOOP (RFC 3501 §6.1.2).
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	return Response{Status: "OK", Text: "NOOP completed"}, nil
}

// logoutCommand implements LOGOUT (RFC 3501 §6.1.3).
type logoutCommand struct{}

func (l *logoutCommand) Name() string { return "LOGOUT" }

func (l *logoutCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	sess.SetState(LoggedOut)
	return Response{
		Status:   "OK",
		Text:     "LOGOUT completed",
		Untagged: []string{"BYE CITM logging out"},
	}, nil
}

// startTLSCommand implements STARTTLS (RFC 3501 §6.2.1). The actual TLS
// handshake is performed by the caller after a successful response, the
// same split the teacher uses for POP3's STLS.
type startTLSCommand struct{}

func (s *startTLSCommand) Name() string { return "STARTTLS" }

func (s *startTLSCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{Status: "BAD", Text: "STARTTLS takes no arguments"}, nil
	}
	if !sess.CanStartTLS() {
		if sess.IsTLSActive() {
			return Response{Status: "BAD", Text: "already using TLS"}, nil
		}
		return Response{Status: "NO", Text: "TLS not available"}, nil
	}
	return Response{Status: "OK", Text: "begin TLS negotiation now"}, nil
}

// loginCommand implements LOGIN (RFC 3501 §6.2.3).
type loginCommand struct {
	authProvider AuthProvider
}

func (l *loginCommand) Name() string { return "LOGIN" }

func (l *loginCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != NotAuthenticated {
		return Response{Status: "BAD", Text: "command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{Status: "NO", Text: "TLS required for LOGIN"}, nil
	}
	if len(args) != 2 {
		return Response{Status: "BAD", Text: "LOGIN requires username and password"}, nil
	}

	username, password := unquote(args[0]), unquote(args[1])
	upwards, err := l.authProvider.Authenticate(ctx, username, password)
	if err != nil {
		conn.Logger().Info("login failed", "username", username, "error", err.Error())
		return Response{Status: "NO", Text: "LOGIN failed"}, nil
	}

	sess.SetUsername(username)
	sess.SetState(Authenticated)
	if upwards != nil {
		NewController(upwards, sess, conn.Logger())
	}
	return Response{Status: "OK", Text: fmt.Sprintf("LOGIN completed, %s authenticated", username)}, nil
}

// authenticateCommand implements AUTHENTICATE (RFC 3501 §6.2.2) with the
// PLAIN mechanism, mirroring the teacher's pop3.authCommand structure.
type authenticateCommand struct {
	authProvider AuthProvider
}

func (a *authenticateCommand) Name() string { return "AUTHENTICATE" }

func (a *authenticateCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != NotAuthenticated {
		return Response{Status: "BAD", Text: "command not valid in this state"}, nil
	}
	if !sess.IsTLSActive() {
		return Response{Status: "NO", Text: "TLS required for AUTHENTICATE"}, nil
	}
	if len(args) < 1 {
		return Response{Status: "BAD", Text: "AUTHENTICATE requires a mechanism"}, nil
	}

	mechanism := strings.ToUpper(args[0])
	supported := false
	for _, mech := range SupportedSASLMechanisms() {
		if strings.EqualFold(mech, mechanism) {
			supported = true
			break
		}
	}
	if !supported {
		return Response{Status: "NO", Text: "unsupported mechanism " + mechanism}, nil
	}

	server := sasl.NewPlainServer(func(identity, username, password string) error {
		upwards, err := a.authProvider.Authenticate(ctx, username, password)
		if err != nil {
			conn.Logger().Info("SASL authentication failed", "mechanism", mechanism, "username", username, "error", err.Error())
			return err
		}
		sess.SetUsername(username)
		sess.SetState(Authenticated)
		if upwards != nil {
			NewController(upwards, sess, conn.Logger())
		}
		conn.Logger().Info("SASL authentication successful", "mechanism", mechanism, "username", username)
		return nil
	})

	sess.SetSASLServer(mechanism, server)

	if len(args) > 1 {
		var initial []byte
		if args[1] == "=" {
			initial = []byte{}
		} else {
			decoded, err := DecodeSASLResponse(args[1])
			if err != nil {
				sess.ClearSASL()
				return Response{Status: "BAD", Text: "invalid base64"}, nil
			}
			initial = decoded
		}
		return a.processSASLStep(sess, initial)
	}

	return Response{Continuation: true, Text: ""}, nil
}

func (a *authenticateCommand) processSASLStep(sess *Session, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{Status: "NO", Text: "no SASL exchange in progress"}, nil
	}
	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: "NO", Text: "authentication failed"}, nil
	}
	if done {
		sess.ClearSASL()
		return Response{Status: "OK", Text: fmt.Sprintf("AUTHENTICATE completed, %s authenticated", sess.Username())}, nil
	}
	return Response{Continuation: true, Text: EncodeSASLChallenge(challenge)}, nil
}

// ProcessSASLResponse continues an in-progress AUTHENTICATE exchange with a
// raw base64 response line, matching pop3.authCommand.ProcessSASLResponse.
func (a *authenticateCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{Status: "BAD", Text: "authentication cancelled"}, nil
	}
	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: "BAD", Text: "invalid base64"}, nil
	}
	return a.processSASLStep(sess, response)
}

// selectCommand implements SELECT (RFC 3501 §6.3.1). CITM does not own
// mailbox state; it records the name locally so FETCH/APPEND know which
// mailbox they're rewriting for and answers with a fixed FLAGS list. No
// SELECT is sent to the underlying server.
type selectCommand struct{}

func (s *selectCommand) Name() string { return "SELECT" }

func (s *selectCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != Authenticated && sess.State() != Selected {
		return Response{Status: "BAD", Text: "command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{Status: "BAD", Text: "SELECT requires a mailbox name"}, nil
	}

	mailbox := unquote(args[0])
	sess.SetSelectedMailbox(mailbox)

	return Response{
		Status: "OK",
		Text:   "[READ-WRITE] SELECT completed",
		Untagged: []string{
			"FLAGS (" + imap.SeenFlag + " " + imap.AnsweredFlag + " " + imap.FlaggedFlag + " " + imap.DeletedFlag + " " + imap.DraftFlag + ")",
		},
	}, nil
}

// unquote strips a single layer of IMAP quoted-string double quotes, since
// this package's minimal parser leaves quoting to the caller.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// RegisterCommands registers every command this controller understands.
func RegisterCommands(authProvider AuthProvider) {
	RegisterCommand(&capabilityCommand{})
	RegisterCommand(&noopCommand{})
	RegisterCommand(&logoutCommand{})
	RegisterCommand(&startTLSCommand{})
	RegisterCommand(&loginCommand{authProvider: authProvider})
	RegisterCommand(&authenticateCommand{authProvider: authProvider})
	RegisterCommand(&selectCommand{})
}
