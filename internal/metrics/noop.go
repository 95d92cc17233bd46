package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) SessionOpened(direction string)           {}
func (n *NoopCollector) SessionClosed(direction string)           {}
func (n *NoopCollector) TLSConnectionEstablished(direction string) {}
func (n *NoopCollector) AuthAttempt(authDomain string, success bool) {}
func (n *NoopCollector) CommandProcessed(command string)          {}
func (n *NoopCollector) MessageDecrypted(sizeBytes int64)         {}
func (n *NoopCollector) MessageNot4Me()                           {}
func (n *NoopCollector) MessageEncrypted(recipientCount int, sizeBytes int64) {}
func (n *NoopCollector) KVPSyncUpdateSent(updateType string)      {}
func (n *NoopCollector) KVPSyncUpdateAcked()                      {}
func (n *NoopCollector) KVPSyncResyncRequested()                  {}
