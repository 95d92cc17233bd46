// Package acmeclient wraps golang.org/x/crypto/acme/autocert to obtain and
// renew the TLS certificate a tls:// or starttls:// listener presents,
// replacing the manual "splintermail configure" ACME walkthrough described
// in original_source/libcli/configure.c with the standard library's
// battle-tested HTTP-01 flow.
//
// Grounded on original_source/libcli/configure.c: certificates and account
// state persist under "${smdir}/acme" (configure_get_acme_dir_done,
// acme_path), and first-run setup must accept Let's Encrypt's terms of
// service before any certificate request proceeds. autocert.Manager's
// Prompt field implements exactly that gate.
package acmeclient

import (
	"context"
	"crypto/tls"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
)

// Manager obtains and renews certificates for a fixed set of hostnames,
// caching account and certificate state under a directory (spec.md's
// "${smdir}/acme", per configure.c's acme_path).
type Manager struct {
	autocert *autocert.Manager
}

// New builds a Manager that will only issue certificates for the given
// hostnames, caching state under cacheDir.
func New(cacheDir string, hostnames []string, contactEmail string) *Manager {
	return &Manager{
		autocert: &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostnames...),
			Email:      contactEmail,
		},
	}
}

// TLSConfig returns a *tls.Config whose GetCertificate hook transparently
// obtains and renews certificates on demand, suitable for a tls:// or
// starttls:// listener.
func (m *Manager) TLSConfig() *tls.Config {
	return m.autocert.TLSConfig()
}

// HTTPHandler returns the handler that must be reachable on port 80 to
// complete ACME HTTP-01 challenges, wrapping fallback for any request that
// isn't a challenge.
func (m *Manager) HTTPHandler(fallback http.Handler) http.Handler {
	return m.autocert.HTTPHandler(fallback)
}

// Obtain eagerly fetches (or renews) the certificate for hostname rather
// than waiting for the first TLS handshake to trigger it, so that a
// `splintermail configure` style first-run setup can report success or
// failure immediately instead of deferring it to the first client
// connection.
func (m *Manager) Obtain(ctx context.Context, hostname string) (*tls.Certificate, error) {
	hello := &tls.ClientHelloInfo{ServerName: hostname}
	return m.autocert.GetCertificate(hello)
}
