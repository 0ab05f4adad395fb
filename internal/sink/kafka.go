package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the slice of *kgo.Client the Kafka sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSender writes alerts to one topic keyed by network, so a network's alerts
// keep their order within a partition.
type KafkaSender struct {
	producer Producer
	topic    string
}

func DialKafka(brokers []string, topic string) (*KafkaSender, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return NewKafkaSender(client, topic), nil
}

func NewKafkaSender(p Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: p, topic: topic}
}

func (s *KafkaSender) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	rec := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(alert.Network),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event", Value: []byte(alert.Name())},
			{Key: "alert_id", Value: []byte(alert.ID)},
		},
	}
	if err := s.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	s.producer.Close()
	return nil
}
