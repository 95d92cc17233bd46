package tlsengine

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// pipeConn is the net.Conn crypto/tls drives against. Go's crypto/tls has
// no memory-BIO API (unlike OpenSSL's SSL_read/SSL_write against BIO
// pairs), so the driver bridges the gap with an in-process duplex: writes
// from tls.Conn land in an outbound byte queue the socket engine drains
// (the "raw-out" queue of spec.md §3), and reads from tls.Conn pull from
// an inbound byte queue the socket engine feeds (the "raw-in" queue).
type pipeConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	rawIn  []byte
	rawOut []byte
	closed bool
}

func newPipeConn() *pipeConn {
	p := &pipeConn{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// feedIn appends ciphertext fed by the socket engine, waking any blocked
// Read.
func (p *pipeConn) feedIn(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rawIn = append(p.rawIn, b...)
	p.cond.Broadcast()
}

// drainOut removes and returns whatever ciphertext tls.Conn has queued for
// the wire (the "WaitingForEmptyWriteBio" transition of spec.md §4.3: the
// socket engine calls this whenever raw-out is non-empty).
func (p *pipeConn) drainOut() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rawOut) == 0 {
		return nil
	}
	out := p.rawOut
	p.rawOut = nil
	return out
}

func (p *pipeConn) pendingOut() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rawOut)
}

func (p *pipeConn) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.rawIn) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.rawIn) == 0 && p.closed {
		return 0, io.EOF
	}
	n := copy(b, p.rawIn)
	p.rawIn = p.rawIn[n:]
	return n, nil
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("pipeConn: write after close")
	}
	p.rawOut = append(p.rawOut, b...)
	p.cond.Broadcast()
	return len(b), nil
}

// closeEOF marks the inbound side as EOF (socket saw EOF), unblocking Read.
func (p *pipeConn) closeEOF() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

func (p *pipeConn) Close() error                       { p.closeEOF(); return nil }
func (p *pipeConn) LocalAddr() net.Addr                 { return pipeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr                { return pipeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error       { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error   { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error  { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
