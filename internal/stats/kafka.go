package stats

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaEvent is one JSON record produced per counter mutation. Batched
// delivery is franz-go's job (it batches Produce calls internally); this
// sink just shapes the record.
type kafkaEvent struct {
	Kind      string `json:"kind"`
	AppID     string `json:"app_id"`
	Delta     int64  `json:"delta"`
	Timestamp int64  `json:"timestamp"`
}

// KafkaSink produces the same counter events PrometheusSink aggregates
// in-process as JSON records to a topic, for the external
// aggregation/retention pipeline the spec names but treats as an
// out-of-scope persistence backend. Client construction mirrors
// ws/internal/shared/kafka/consumer.go's kgo.NewClient option style,
// substituting a producer-only option set.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// KafkaSinkConfig configures the underlying franz-go producer client.
type KafkaSinkConfig struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

// NewKafkaSink builds a franz-go producer client for the statistics topic.
func NewKafkaSink(cfg KafkaSinkConfig) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{client: client, topic: cfg.Topic, logger: cfg.Logger}, nil
}

// Close flushes in-flight records (waiting at most five seconds) and closes
// the underlying client.
func (s *KafkaSink) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Flush(ctx)
	s.client.Close()
}

func (s *KafkaSink) produce(kind, appID string, delta int64) {
	ev := kafkaEvent{Kind: kind, AppID: appID, Delta: delta, Timestamp: time.Now().UnixMilli()}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	record := &kgo.Record{Topic: s.topic, Value: b, Key: []byte(appID)}
	s.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Warn().Err(err).Str("kind", kind).Msg("statistics kafka produce failed")
		}
	})
}

func (s *KafkaSink) IncrConnections(appID string)          { s.produce("connections", appID, 1) }
func (s *KafkaSink) DecrConnections(appID string)          { s.produce("connections", appID, -1) }
func (s *KafkaSink) IncrMessagesReceived(appID string)     { s.produce("messages_received", appID, 1) }
func (s *KafkaSink) IncrMessagesSent(appID string)         { s.produce("messages_sent", appID, 1) }
func (s *KafkaSink) IncrBytesReceived(appID string, n int) { s.produce("bytes_received", appID, int64(n)) }
func (s *KafkaSink) IncrBytesSent(appID string, n int)     { s.produce("bytes_sent", appID, int64(n)) }
func (s *KafkaSink) IncrSlowClientEvictions(appID string)  { s.produce("slow_client_evicted", appID, 1) }
