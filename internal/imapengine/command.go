// Package imapengine implements the CITM controller: the per-session
// dispatch logic the IMAP engine's worker loop calls into on every parsed
// client command, generalized from the teacher's POP3 Command/Response
// pattern to a bidirectional proxy that rewrites FETCH/APPEND bodies
// through internal/codec.
//
// Full RFC 3501 grammar is out of scope (spec.md §1 treats "IMAP grammar"
// as a library concern); this package frames tagged commands with a
// minimal line parser rather than a complete grammar, matching the level
// of the wire format CITM's controller actually needs to branch on.
package imapengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ConnectionLogger gives a command access to the owning connection's logger,
// mirroring the teacher's pop3.ConnectionLogger.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command is one IMAP command this controller understands.
type Command interface {
	// Name returns the command name in upper case (e.g. "LOGIN", "FETCH").
	Name() string

	// Execute processes the command and returns the response to send back.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response is a tagged IMAP response. Untagged lines precede the final
// tagged status line, matching RFC 3501's response grammar closely enough
// for CITM's own generated responses (as opposed to bytes relayed verbatim
// from the real mail server, which pass through unparsed).
type Response struct {
	Status   string // "OK", "NO", "BAD"
	Text     string
	Untagged []string

	// Continuation, when true, is a "+ <Text>" continuation request (used
	// by AUTHENTICATE) instead of a tagged status line.
	Continuation bool
}

// String formats the response for a given tag.
func (r Response) String(tag string) string {
	var sb strings.Builder
	for _, line := range r.Untagged {
		sb.WriteString("* ")
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	if r.Continuation {
		sb.WriteString("+ ")
		sb.WriteString(r.Text)
		sb.WriteString("\r\n")
		return sb.String()
	}
	sb.WriteString(tag)
	sb.WriteString(" ")
	sb.WriteString(r.Status)
	if r.Text != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Text)
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// commandRegistry holds all registered commands, keyed by upper-case name.
var commandRegistry = make(map[string]Command)

// RegisterCommand registers a command in the registry.
func RegisterCommand(cmd Command) {
	commandRegistry[strings.ToUpper(cmd.Name())] = cmd
}

// GetCommand retrieves a command from the registry by name.
func GetCommand(name string) (Command, bool) {
	cmd, ok := commandRegistry[strings.ToUpper(name)]
	return cmd, ok
}

// ParsedCommand is one tagged client request line.
type ParsedCommand struct {
	Tag  string
	Name string
	Args []string
}

// ParseCommand frames a tagged IMAP command line: `<tag> <command> [args]`.
// Only space-separated atoms are handled; quoted strings and literals are
// the real grammar's concern and are left to the args as raw text for the
// command implementation to re-parse if it needs to.
func ParseCommand(line string) (ParsedCommand, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ParsedCommand{}, fmt.Errorf("malformed command line")
	}
	return ParsedCommand{
		Tag:  fields[0],
		Name: strings.ToUpper(fields[1]),
		Args: fields[2:],
	}, nil
}
