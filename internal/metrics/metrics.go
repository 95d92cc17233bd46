// Package metrics provides interfaces and implementations for collecting
// CITM gateway metrics: session lifecycle, authentication, the message
// codec, and kvpsync replication.
package metrics

import "context"

// Collector defines the interface for recording CITM gateway metrics.
type Collector interface {
	// Session metrics, one pair per direction (upwards toward the real mail
	// server, downwards toward the local mail client).
	SessionOpened(direction string)
	SessionClosed(direction string)
	TLSConnectionEstablished(direction string)

	// Authentication metrics (authenticated user's domain).
	AuthAttempt(authDomain string, success bool)

	// IMAP command metrics.
	CommandProcessed(command string)

	// Codec metrics: message decryption outcomes and encryption volume.
	MessageDecrypted(sizeBytes int64)
	MessageNot4Me()
	MessageEncrypted(recipientCount int, sizeBytes int64)

	// kvpsync metrics.
	KVPSyncUpdateSent(updateType string)
	KVPSyncUpdateAcked()
	KVPSyncResyncRequested()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
