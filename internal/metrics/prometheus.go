package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesFetchedTotal *prometheus.CounterVec
	messagesDeletedTotal *prometheus.CounterVec
	messagesSizeBytes    prometheus.Histogram

	pollsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3fetch_connections_total",
			Help: "Total number of server connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pop3fetch_connections_active",
			Help: "Number of currently open server connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pop3fetch_tls_connections_total",
			Help: "Total number of connections secured with TLS.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3fetch_auth_attempts_total",
			Help: "Total number of login attempts.",
		}, []string{"host", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3fetch_commands_total",
			Help: "Total number of POP3 commands sent.",
		}, []string{"command"}),

		messagesFetchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3fetch_messages_fetched_total",
			Help: "Total number of messages retrieved.",
		}, []string{"host"}),
		messagesDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3fetch_messages_deleted_total",
			Help: "Total number of messages marked for deletion on the server.",
		}, []string{"host"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pop3fetch_messages_size_bytes",
			Help:    "Size of retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		pollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pop3fetch_polls_total",
			Help: "Total number of mailbox polls by result.",
		}, []string{"host", "result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesFetchedTotal,
		c.messagesDeletedTotal,
		c.messagesSizeBytes,
		c.pollsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// AuthAttempt increments the login attempts counter.
func (c *PrometheusCollector) AuthAttempt(host string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(host, result).Inc()
}

// CommandSent increments the command counter.
func (c *PrometheusCollector) CommandSent(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// MessageFetched increments the fetched counter and observes message size.
func (c *PrometheusCollector) MessageFetched(host string, sizeBytes int64) {
	c.messagesFetchedTotal.WithLabelValues(host).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageDeleted increments the deleted counter.
func (c *PrometheusCollector) MessageDeleted(host string) {
	c.messagesDeletedTotal.WithLabelValues(host).Inc()
}

// PollCompleted counts a finished poll by its result.
func (c *PrometheusCollector) PollCompleted(host string, result string) {
	c.pollsTotal.WithLabelValues(host, result).Inc()
}
