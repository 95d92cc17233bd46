package server

import "errors"

var (
	// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
	ErrAlreadyTLS = errors.New("connection already using TLS")

	// ErrTLSRequired is returned when a tls:// listener is started without
	// a TLS configuration.
	ErrTLSRequired = errors.New("tls listener requires a tls configuration")

	// ErrUnknownScheme is returned for a listener scheme this package
	// doesn't know how to bind.
	ErrUnknownScheme = errors.New("unknown listener scheme")
)
