// Package stats implements the Statistics Sink (SPEC_FULL.md §4.11): an
// append-only counters interface (C10) with a Prometheus implementation
// and an optional Kafka export sink for the external aggregation pipeline
// the spec treats as out of scope persistence.
package stats

// Sink is the C10 contract: append-only counters for connection and
// message activity. Implementations must be safe for concurrent use;
// every method is called from connection goroutines under load.
type Sink interface {
	IncrConnections(appID string)
	DecrConnections(appID string)
	IncrMessagesReceived(appID string)
	IncrMessagesSent(appID string)
	IncrBytesReceived(appID string, n int)
	IncrBytesSent(appID string, n int)
	IncrSlowClientEvictions(appID string)
}

// MultiSink fans a single call out to every configured sink, letting
// PrometheusSink and KafkaSink run side by side. A nil entry is skipped,
// so callers can build the slice conditionally on config flags.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a fan-out sink from any number of sinks, dropping
// nil entries.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) IncrConnections(appID string) {
	for _, s := range m.sinks {
		s.IncrConnections(appID)
	}
}

func (m *MultiSink) DecrConnections(appID string) {
	for _, s := range m.sinks {
		s.DecrConnections(appID)
	}
}

func (m *MultiSink) IncrMessagesReceived(appID string) {
	for _, s := range m.sinks {
		s.IncrMessagesReceived(appID)
	}
}

func (m *MultiSink) IncrMessagesSent(appID string) {
	for _, s := range m.sinks {
		s.IncrMessagesSent(appID)
	}
}

func (m *MultiSink) IncrBytesReceived(appID string, n int) {
	for _, s := range m.sinks {
		s.IncrBytesReceived(appID, n)
	}
}

func (m *MultiSink) IncrBytesSent(appID string, n int) {
	for _, s := range m.sinks {
		s.IncrBytesSent(appID, n)
	}
}

func (m *MultiSink) IncrSlowClientEvictions(appID string) {
	for _, s := range m.sinks {
		s.IncrSlowClientEvictions(appID)
	}
}
