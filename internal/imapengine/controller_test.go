package imapengine

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/infodancer/citm/internal/codec"
	"github.com/infodancer/citm/internal/config"
	"github.com/infodancer/citm/internal/ignorelist"
)

func newTestKeyPair(t *testing.T) *codec.KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp, kerr := codec.NewKeyPair(priv)
	if kerr != nil {
		t.Fatalf("new key pair: %v", kerr)
	}
	return kp
}

func newPairedController(t *testing.T) (*Controller, *codec.KeyPair) {
	t.Helper()
	kp := newTestKeyPair(t)

	upwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	downwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	upwards.SetKeyMaterial(kp, []codec.Recipient{{Fingerprint: kp.Fingerprint, Public: kp.Public}})

	return NewController(upwards, downwards, nil), kp
}

func TestNewControllerPairsSessions(t *testing.T) {
	ctrl, _ := newPairedController(t)
	if ctrl.Upwards.Peer() != ctrl.Downwards {
		t.Fatalf("expected upwards session's peer to be the downwards session")
	}
	if ctrl.Downwards.Peer() != ctrl.Upwards {
		t.Fatalf("expected downwards session's peer to be the upwards session")
	}
}

func TestRewriteFetchBodyDecryptsWithUpwardsKeyPair(t *testing.T) {
	ctrl, kp := newPairedController(t)

	plaintext := []byte("hello from the real mail server")
	envelope, eerr := codec.Encrypt(plaintext, []codec.Recipient{{Fingerprint: kp.Fingerprint, Public: kp.Public}})
	if eerr != nil {
		t.Fatalf("encrypt: %v", eerr)
	}

	got, rerr := ctrl.RewriteFetchBody(envelope)
	if rerr != nil {
		t.Fatalf("rewrite: %v", rerr)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestRewriteFetchBodyWithoutKeyPairFails(t *testing.T) {
	upwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	downwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	ctrl := NewController(upwards, downwards, nil)

	if _, err := ctrl.RewriteFetchBody([]byte("irrelevant")); err == nil {
		t.Fatalf("expected an error without an installed keypair")
	}
}

func TestRewriteAppendBodyEncryptsForRecipients(t *testing.T) {
	ctrl, kp := newPairedController(t)

	envelope, err := ctrl.RewriteAppendBody([]byte("outgoing draft"))
	if err != nil {
		t.Fatalf("rewrite append: %v", err)
	}

	plaintext, _, derr := codec.Decrypt(envelope, kp)
	if derr != nil {
		t.Fatalf("decrypt: %v", derr)
	}
	if string(plaintext) != "outgoing draft" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestRewriteAppendBodyWithoutRecipientsFails(t *testing.T) {
	upwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	downwards := NewSession(newTestCore(), "mail.example.com", config.TLS, nil, true)
	ctrl := NewController(upwards, downwards, nil)

	if _, err := ctrl.RewriteAppendBody([]byte("x")); err == nil {
		t.Fatalf("expected an error without any registered recipients")
	}
}

func TestNot4MeSuppressionOnlyAfterFirstSighting(t *testing.T) {
	ctrl, _ := newPairedController(t)
	list, err := ignorelist.Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	attachIgnoreList(ctrl.Upwards, list)

	if ctrl.ShouldSuppressNot4Me("uid-1") {
		t.Fatalf("a uid never recorded should not be suppressed")
	}

	path := filepath.Join(t.TempDir(), "ignore.json")
	ctrl.RecordNot4Me("uid-1", path)

	if !ctrl.ShouldSuppressNot4Me("uid-1") {
		t.Fatalf("expected uid-1 to be suppressed after being recorded")
	}
}
