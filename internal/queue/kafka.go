package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/campaign-dispatcher/internal/config"
)

const writeBatchTimeout = 10 * time.Millisecond

// Kafka aggregates helpers for interacting with Kafka.
type Kafka struct {
	cfg    config.KafkaConfig
	dialer *kafka.Dialer
}

// NewKafka initializes the Kafka helper.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	return &Kafka{
		cfg:    cfg,
		dialer: &kafka.Dialer{Timeout: 10 * time.Second, ClientID: cfg.ClientID},
	}, nil
}

// NewWriter creates a writer for topic. Messages with the same key land on the
// same partition, so one campaign's messages stay ordered.
func (k *Kafka) NewWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: writeBatchTimeout,
		Async:        false,
	}
}

// NewReader creates a kafka reader for a topic.
func (k *Kafka) NewReader(topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        k.cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		Dialer:         k.dialer,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: k.cfg.CommitInterval,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
	})
}

// Ping dials the first broker.
func (k *Kafka) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	return conn.Close()
}

// Close is a no-op kept for interface symmetry.
func (k *Kafka) Close() error {
	return nil
}

// EnsureTopics creates the run and progress topics if they do not exist.
func (k *Kafka) EnsureTopics(ctx context.Context) error {
	return k.ensureTopics(ctx, []string{k.cfg.RunTopic, k.cfg.ProgressTopic}, k.cfg.Partitions, k.cfg.ReplicationFactor)
}

func (k *Kafka) ensureTopics(ctx context.Context, topics []string, partitions int, replicationFactor int) error {
	if partitions <= 0 {
		partitions = 1
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	existing, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("kafka: read partitions: %w", err)
	}
	exists := make(map[string]bool)
	for _, p := range existing {
		exists[p.Topic] = true
	}

	for _, topic := range topics {
		if topic == "" || exists[topic] {
			continue
		}
		if err := conn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		}); err != nil {
			return fmt.Errorf("kafka: create topic %s: %w", topic, err)
		}
	}

	return nil
}
