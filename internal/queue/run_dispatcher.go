package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// RunDispatcher publishes campaign run requests to Kafka.
type RunDispatcher struct {
	writer    *kafka.Writer
	requester string
}

// NewRunDispatcher constructs a dispatcher for the given topic. requester is
// recorded on every message.
func NewRunDispatcher(k *Kafka, topic, requester string) *RunDispatcher {
	return &RunDispatcher{writer: k.NewWriter(topic), requester: requester}
}

// Dispatch writes a run request for campaignID.
func (d *RunDispatcher) Dispatch(ctx context.Context, campaignID string) error {
	value, err := json.Marshal(RunMessage{
		CampaignID:  campaignID,
		RequestedAt: time.Now().UTC(),
		RequestedBy: d.requester,
	})
	if err != nil {
		return fmt.Errorf("run dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(campaignID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("run dispatcher: write message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (d *RunDispatcher) Close() error {
	return d.writer.Close()
}
