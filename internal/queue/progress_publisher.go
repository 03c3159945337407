package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/acme/campaign-dispatcher/internal/dispatch"
)

// ProgressPublisher forwards dispatch events to Kafka.
type ProgressPublisher struct {
	writer *kafka.Writer
}

var _ dispatch.Notifier = (*ProgressPublisher)(nil)

// NewProgressPublisher constructs a publisher for the given topic.
func NewProgressPublisher(k *Kafka, topic string) *ProgressPublisher {
	return &ProgressPublisher{writer: k.NewWriter(topic)}
}

// Notify implements dispatch.Notifier.
func (p *ProgressPublisher) Notify(ctx context.Context, event dispatch.Event) error {
	value, err := json.Marshal(ProgressMessage{Version: ProgressVersion, Event: event})
	if err != nil {
		return fmt.Errorf("progress publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(event.CampaignID),
		Value: value,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("progress publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *ProgressPublisher) Close() error {
	return p.writer.Close()
}
