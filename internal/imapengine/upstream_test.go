package imapengine

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeUpstreamServer accepts a single connection, sends a greeting, reads
// one LOGIN line, and replies with the given status.
func fakeUpstreamServer(t *testing.T, status string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("* OK fake upstream ready\r\n"))
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		tag := "U1"
		if len(fields) > 0 {
			tag = fields[0]
		}
		conn.Write([]byte(tag + " " + status + " done\r\n"))
	}()

	return ln.Addr().String()
}

func TestTCPUpstreamDialerSuccessfulLogin(t *testing.T) {
	addr := fakeUpstreamServer(t, "OK")
	dialer := &TCPUpstreamDialer{Addr: addr, Hostname: "mail.example.com"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := dialer.Dial(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != Authenticated {
		t.Fatalf("expected authenticated upwards session, got %v", sess.State())
	}
	if sess.Username() != "alice" {
		t.Fatalf("expected username alice, got %q", sess.Username())
	}
}

func TestTCPUpstreamDialerRejectedLogin(t *testing.T) {
	addr := fakeUpstreamServer(t, "NO")
	dialer := &TCPUpstreamDialer{Addr: addr, Hostname: "mail.example.com"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := dialer.Dial(ctx, "alice", "wrong"); err == nil {
		t.Fatalf("expected an error for a rejected upstream LOGIN")
	}
}

func TestTCPUpstreamDialerRequiresAddr(t *testing.T) {
	dialer := &TCPUpstreamDialer{}
	if _, err := dialer.Dial(context.Background(), "alice", "secret"); err == nil {
		t.Fatalf("expected an error without a configured address")
	}
}
