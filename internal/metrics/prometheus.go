package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	sessionsTotal    *prometheus.CounterVec
	sessionsActive   *prometheus.GaugeVec
	tlsSessionsTotal *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesDecryptedTotal prometheus.Counter
	messagesNot4MeTotal    prometheus.Counter
	messagesEncryptedTotal prometheus.Counter
	messageRecipientCount  prometheus.Histogram
	messageSizeBytes       prometheus.Histogram

	kvpsyncUpdatesSentTotal *prometheus.CounterVec
	kvpsyncAcksTotal        prometheus.Counter
	kvpsyncResyncsTotal     prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citm_sessions_total",
			Help: "Total number of CITM sessions opened.",
		}, []string{"direction"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "citm_sessions_active",
			Help: "Number of currently active CITM sessions.",
		}, []string{"direction"}),
		tlsSessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citm_tls_sessions_total",
			Help: "Total number of TLS connections established.",
		}, []string{"direction"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citm_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"domain", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citm_commands_total",
			Help: "Total number of IMAP commands processed.",
		}, []string{"command"}),

		messagesDecryptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citm_messages_decrypted_total",
			Help: "Total number of inbound messages successfully decrypted.",
		}),
		messagesNot4MeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citm_messages_not4me_total",
			Help: "Total number of inbound messages that failed to decrypt with any local device key.",
		}),
		messagesEncryptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citm_messages_encrypted_total",
			Help: "Total number of outbound messages encrypted to one or more device keys.",
		}),
		messageRecipientCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "citm_message_recipient_count",
			Help:    "Number of recipient keys an outbound message was wrapped for.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "citm_message_size_bytes",
			Help:    "Size of messages passing through the codec, in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		kvpsyncUpdatesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "citm_kvpsync_updates_sent_total",
			Help: "Total number of kvpsync update packets sent, by type.",
		}, []string{"type"}),
		kvpsyncAcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citm_kvpsync_acks_total",
			Help: "Total number of kvpsync acks received.",
		}),
		kvpsyncResyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "citm_kvpsync_resyncs_total",
			Help: "Total number of kvpsync resync requests observed.",
		}),
	}

	reg.MustRegister(
		c.sessionsTotal,
		c.sessionsActive,
		c.tlsSessionsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesDecryptedTotal,
		c.messagesNot4MeTotal,
		c.messagesEncryptedTotal,
		c.messageRecipientCount,
		c.messageSizeBytes,
		c.kvpsyncUpdatesSentTotal,
		c.kvpsyncAcksTotal,
		c.kvpsyncResyncsTotal,
	)

	return c
}

func (c *PrometheusCollector) SessionOpened(direction string) {
	c.sessionsTotal.WithLabelValues(direction).Inc()
	c.sessionsActive.WithLabelValues(direction).Inc()
}

func (c *PrometheusCollector) SessionClosed(direction string) {
	c.sessionsActive.WithLabelValues(direction).Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished(direction string) {
	c.tlsSessionsTotal.WithLabelValues(direction).Inc()
}

func (c *PrometheusCollector) AuthAttempt(authDomain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(authDomain, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *PrometheusCollector) MessageDecrypted(sizeBytes int64) {
	c.messagesDecryptedTotal.Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageNot4Me() {
	c.messagesNot4MeTotal.Inc()
}

func (c *PrometheusCollector) MessageEncrypted(recipientCount int, sizeBytes int64) {
	c.messagesEncryptedTotal.Inc()
	c.messageRecipientCount.Observe(float64(recipientCount))
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) KVPSyncUpdateSent(updateType string) {
	c.kvpsyncUpdatesSentTotal.WithLabelValues(updateType).Inc()
}

func (c *PrometheusCollector) KVPSyncUpdateAcked() {
	c.kvpsyncAcksTotal.Inc()
}

func (c *PrometheusCollector) KVPSyncResyncRequested() {
	c.kvpsyncResyncsTotal.Inc()
}
