package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink registers the broker's counters on a prometheus.Registry,
// naming and shaping them after ws/metrics.go's ws_* connection/message
// metric family, generalized with an "app" label since this broker is
// multi-tenant where the teacher's single-purpose relay was not.
type PrometheusSink struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	bytesReceived     *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	slowClientEvicted *prometheus.CounterVec
}

// NewPrometheusSink constructs and registers the broker's metric family on
// reg. Pass prometheus.DefaultRegisterer for the common case.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_connections_total",
			Help: "Total number of WebSocket connections established, by app.",
		}, []string{"app"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_connections_active",
			Help: "Current number of active WebSocket connections, by app.",
		}, []string{"app"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_received_total",
			Help: "Total number of messages received from clients, by app.",
		}, []string{"app"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_sent_total",
			Help: "Total number of messages sent to clients, by app.",
		}, []string{"app"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_bytes_received_total",
			Help: "Total bytes received from clients, by app.",
		}, []string{"app"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_bytes_sent_total",
			Help: "Total bytes sent to clients, by app.",
		}, []string{"app"}),
		slowClientEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_slow_clients_evicted_total",
			Help: "Total number of connections evicted for falling behind on outbound delivery.",
		}, []string{"app"}),
	}

	reg.MustRegister(
		s.connectionsTotal, s.connectionsActive,
		s.messagesReceived, s.messagesSent,
		s.bytesReceived, s.bytesSent,
		s.slowClientEvicted,
	)
	return s
}

func (s *PrometheusSink) IncrConnections(appID string) {
	s.connectionsTotal.WithLabelValues(appID).Inc()
	s.connectionsActive.WithLabelValues(appID).Inc()
}

func (s *PrometheusSink) DecrConnections(appID string) {
	s.connectionsActive.WithLabelValues(appID).Dec()
}

func (s *PrometheusSink) IncrMessagesReceived(appID string) {
	s.messagesReceived.WithLabelValues(appID).Inc()
}

func (s *PrometheusSink) IncrMessagesSent(appID string) {
	s.messagesSent.WithLabelValues(appID).Inc()
}

func (s *PrometheusSink) IncrBytesReceived(appID string, n int) {
	s.bytesReceived.WithLabelValues(appID).Add(float64(n))
}

func (s *PrometheusSink) IncrBytesSent(appID string, n int) {
	s.bytesSent.WithLabelValues(appID).Add(float64(n))
}

func (s *PrometheusSink) IncrSlowClientEvictions(appID string) {
	s.slowClientEvicted.WithLabelValues(appID).Inc()
}
