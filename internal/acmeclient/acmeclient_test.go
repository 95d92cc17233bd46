package acmeclient

import (
	"context"
	"testing"
)

func TestObtainRejectsHostOutsideWhitelistWithoutNetwork(t *testing.T) {
	m := New(t.TempDir(), []string{"mail.example.com"}, "admin@example.com")

	if _, err := m.Obtain(context.Background(), "not-whitelisted.example.com"); err == nil {
		t.Fatalf("expected HostPolicy to reject a hostname outside the whitelist")
	}
}

func TestTLSConfigIsNeverNil(t *testing.T) {
	m := New(t.TempDir(), []string{"mail.example.com"}, "admin@example.com")
	if m.TLSConfig() == nil {
		t.Fatalf("expected a non-nil tls.Config")
	}
}
