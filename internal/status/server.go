package status

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/infodancer/citm/internal/errs"
)

// CheckFunc is invoked synchronously whenever a client sends {"command":
// "check"} — the server's hook for "wake up and recheck configuration now"
// rather than waiting for the next poll interval.
type CheckFunc func()

// Server listens on a UNIX socket, pushing the current Status to every
// connecting client and again whenever Update changes it. One connection
// per query; clients are expected to read until EOF (or to stay attached
// to receive a live feed of updates, per spec.md §4.5).
type Server struct {
	mu      sync.Mutex
	status  Status
	clients map[net.Conn]struct{}
	closed  bool

	listener net.Listener
	checkFn  CheckFunc
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewServer binds sockPath (removing any stale socket file left behind by a
// prior, uncleanly terminated process) and starts accepting connections.
func NewServer(sockPath string, initial Status, checkFn CheckFunc, logger *slog.Logger) (*Server, *errs.Error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, errs.New(errs.Fs, "remove stale status socket: %s", err.Error())
	}
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, errs.New(errs.Sock, "listen on status socket: %s", err.Error())
	}

	s := &Server{
		status:   initial,
		clients:  make(map[net.Conn]struct{}),
		listener: ln,
		checkFn:  checkFn,
		logger:   logger,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("status server accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		status := s.status
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn, status)
	}
}

func (s *Server) handleConn(conn net.Conn, initial Status) {
	defer s.wg.Done()
	defer s.forget(conn)
	defer conn.Close()

	if err := writeLine(conn, toInitialMessage(initial)); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, maxLineLength), maxLineLength)
	for scanner.Scan() {
		s.handleLine(conn, scanner.Bytes())
	}
	if err := scanner.Err(); err == bufio.ErrTooLong {
		_ = writeLine(conn, rejectResponse{Fail: "command too long"})
	}
}

func (s *Server) handleLine(conn net.Conn, line []byte) {
	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		_ = writeLine(conn, errorResponse{Status: "error", Reason: "invalid json"})
		return
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		_ = writeLine(conn, errorResponse{Status: "error", Reason: "invalid command"})
		return
	}
	name, ok := obj["command"].(string)
	if !ok {
		_ = writeLine(conn, errorResponse{Status: "error", Reason: "invalid command"})
		return
	}
	switch name {
	case "check":
		if s.checkFn != nil {
			s.checkFn()
		}
	default:
		_ = writeLine(conn, errorResponse{Status: "error", Reason: "unrecognized command"})
	}
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

// Update changes the major/minor stage and full domain, broadcasting the
// new status to every attached client.
func (s *Server) Update(major MajorStatus, minor MinorStatus, fullDomain string) {
	s.mu.Lock()
	s.status.Major = major
	s.status.Minor = minor
	s.status.FullDomain = fullDomain
	status := s.status
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := toUpdateMessage(status)
	for _, c := range conns {
		_ = writeLine(c, msg)
	}
}

// SetTLSReady updates the TLS-ready flag and broadcasts, independent of the
// major/minor lifecycle stage.
func (s *Server) SetTLSReady(ready bool) {
	s.mu.Lock()
	s.status.TLSReady = ready
	status := s.status
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := toUpdateMessage(status)
	for _, c := range conns {
		_ = writeLine(c, msg)
	}
}

// Close stops accepting new connections and disconnects every client.
func (s *Server) Close(context.Context) *errs.Error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if err := s.listener.Close(); err != nil {
		return errs.New(errs.Sock, "close status listener: %s", err.Error())
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}

func writeLine(w net.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
