package sink

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
)

// KafkaConfig configures the Kafka producer sink (brokers, topic).
type KafkaConfig struct {
	Name    string
	Brokers []string
	Topic   string
}

// Kafka produces each batch as one record on a fixed topic.
type Kafka struct {
	name   string
	topic  string
	client *kgo.Client
}

// NewKafka dials cfg.Brokers and returns a ready sink.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink %q: %w", cfg.Name, err)
	}
	return &Kafka{name: cfg.Name, topic: cfg.Topic, client: client}, nil
}

func (k *Kafka) Name() string { return k.name }

func (k *Kafka) Send(ctx context.Context, batch metric.Batch) error {
	record := &kgo.Record{Topic: k.topic, Value: channel.EncodeText(batch), Key: []byte(batch.TaskID)}
	result := k.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("kafka sink %q: %w", k.name, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
