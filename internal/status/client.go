package status

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/infodancer/citm/internal/errs"
)

// wireMessage unifies the initial and update message shapes; the version
// fields are only ever populated on the first line of a connection.
type wireMessage struct {
	VersionMajor *int   `json:"version_maj,omitempty"`
	VersionMinor *int   `json:"version_min,omitempty"`
	VersionPatch *int   `json:"version_patch,omitempty"`
	Major        string `json:"major"`
	Minor        string `json:"minor"`
	FullDomain   string `json:"fulldomain"`
	Configured   string `json:"configured"`
	TLSReady     string `json:"tls_ready"`
}

// Client connects to a running Server and streams Status updates, used by
// the `citm status [--follow]` CLI surface.
type Client struct {
	conn    net.Conn
	updates chan Status

	mu  sync.Mutex
	err *errs.Error
}

// NewClient dials sockPath and begins streaming status updates immediately;
// the first value on Updates() is always the server's current status.
func NewClient(sockPath string) (*Client, *errs.Error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, errs.New(errs.Sock, "dial status socket: %s", err.Error())
	}
	c := &Client{conn: conn, updates: make(chan Status, 1)}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.updates)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, maxLineLength), maxLineLength)

	var lastVersion [3]int
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.setErr(errs.New(errs.Response, "malformed status line: %s", err.Error()))
			return
		}
		if msg.VersionMajor != nil {
			lastVersion = [3]int{*msg.VersionMajor, derefOr(msg.VersionMinor, 0), derefOr(msg.VersionPatch, 0)}
		}
		status := Status{
			VersionMajor: lastVersion[0],
			VersionMinor: lastVersion[1],
			VersionPatch: lastVersion[2],
			FullDomain:   msg.FullDomain,
			TLSReady:     msg.TLSReady == "yes",
		}
		status.Major, status.Minor = parseMajorMinor(msg.Major, msg.Minor)
		c.updates <- status
	}
	if err := scanner.Err(); err != nil {
		c.setErr(errs.New(errs.Conn, "status connection read: %s", err.Error()))
	}
}

func derefOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func parseMajorMinor(major, minor string) (MajorStatus, MinorStatus) {
	var m MajorStatus
	switch major {
	case "need_conf":
		m = MajorNeedConf
	case "tls_first":
		m = MajorTLSFirst
	case "tls_renew":
		m = MajorTLSRenew
	case "ready":
		m = MajorReady
	}
	var n MinorStatus
	switch minor {
	case "create_account":
		n = MinorCreateAccount
	case "create_order":
		n = MinorCreateOrder
	case "get_authz":
		n = MinorGetAuthz
	case "validate":
		n = MinorValidate
	case "finalize":
		n = MinorFinalize
	}
	return m, n
}

// Updates returns the channel of status snapshots; it closes when the
// server disconnects or the client is closed. Check Err afterward to
// distinguish a clean close from a read failure.
func (c *Client) Updates() <-chan Status { return c.updates }

func (c *Client) setErr(e *errs.Error) {
	c.mu.Lock()
	c.err = e
	c.mu.Unlock()
}

// Err returns the error that ended the update stream, if any.
func (c *Client) Err() *errs.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Check sends {"command":"check"} to prompt the server to recheck its
// configuration immediately.
func (c *Client) Check() *errs.Error {
	if err := writeLine(c.conn, command{Command: "check"}); err != nil {
		return errs.New(errs.Conn, "send check command: %s", err.Error())
	}
	return nil
}

// Close disconnects from the server.
func (c *Client) Close() error {
	return c.conn.Close()
}
