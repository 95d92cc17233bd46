package imapengine

import (
	"log/slog"

	"github.com/infodancer/citm/internal/codec"
	"github.com/infodancer/citm/internal/errs"
	"github.com/infodancer/citm/internal/ignorelist"
)

// Controller pairs one upwards session (talking to the real mail server)
// with one downwards session (talking to the local mail client) and
// provides the helpers that rewrite FETCH/APPEND bodies through
// internal/codec and track not-for-me messages. It does not relay
// commands between the two sessions itself.
type Controller struct {
	Upwards   *Session
	Downwards *Session
	logger    *slog.Logger
}

// NewController pairs two sessions (each becomes the other's peer) and
// returns the controller for them.
func NewController(upwards, downwards *Session, logger *slog.Logger) *Controller {
	upwards.SetPeer(downwards)
	downwards.SetPeer(upwards)
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Upwards: upwards, Downwards: downwards, logger: logger}
}

// RewriteFetchBody is called on the upwards side when a FETCH response
// carries a message body fetched from the real server. It decrypts the
// envelope with the upwards session's device keypair and returns the
// plaintext to relay downwards. A message encrypted to a different device
// ("not for me") surfaces to the caller as errs.Not4Me; it is not recorded
// here, so the caller decides whether to suppress it (ShouldSuppressNot4Me)
// and records it with RecordNot4Me.
func (c *Controller) RewriteFetchBody(raw []byte) ([]byte, *errs.Error) {
	kp := c.Upwards.KeyPair()
	if kp == nil {
		return nil, errs.New(errs.Internal, "no device keypair installed for upwards session")
	}
	plaintext, _, err := codec.Decrypt(raw, kp)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ShouldSuppressNot4Me reports whether a not-for-me message with the given
// UID has already been surfaced to the ignore list once (spec.md §3): the
// first sighting is reported so the client can see something arrived, and
// every subsequent FETCH of the same UID is silently ignored.
func (c *Controller) ShouldSuppressNot4Me(uid string) bool {
	list := c.Upwards.IgnoreList()
	if list == nil {
		return false
	}
	return list.Seen(uid)
}

// RecordNot4Me adds uid to the upwards session's ignore list the first
// time a not-for-me message is observed, persisting it so a later process
// restart doesn't re-surface the same message.
func (c *Controller) RecordNot4Me(uid string, path string) {
	list := c.Upwards.IgnoreList()
	if list == nil {
		return
	}
	list.Add(uid)
	if err := list.Save(path); err != nil {
		c.logger.Error("failed to persist ignore list", "error", err.Error())
	}
}

// RewriteAppendBody is called on the downwards side when the local client
// APPENDs a plaintext message. It encrypts the body to every recipient
// registered for the paired upwards session before the message is relayed
// to the real server, so ciphertext never touches the local client's
// connection in reverse either.
func (c *Controller) RewriteAppendBody(plaintext []byte) ([]byte, *errs.Error) {
	recipients := c.Upwards.Recipients()
	if len(recipients) == 0 {
		return nil, errs.New(errs.Param, "no recipients registered for encryption")
	}
	return codec.Encrypt(plaintext, recipients)
}

// attachIgnoreList installs an ignore list loaded for the authenticated
// user onto the upwards session, called once authentication completes.
func attachIgnoreList(sess *Session, list *ignorelist.List) {
	sess.SetIgnoreList(list)
}
