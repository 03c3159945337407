// Package journal keeps the history of dispatch progress events.
package journal

import (
	"context"
	"fmt"

	"github.com/acme/campaign-dispatcher/internal/dispatch"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

// Recorder appends dispatch events to an event store.
type Recorder struct {
	store repository.EventStore
}

var _ dispatch.Notifier = (*Recorder)(nil)

// NewRecorder wraps store.
func NewRecorder(store repository.EventStore) *Recorder {
	return &Recorder{store: store}
}

// Notify implements dispatch.Notifier.
func (r *Recorder) Notify(ctx context.Context, event dispatch.Event) error {
	if err := r.store.Append(ctx, ToRecord(event)); err != nil {
		return fmt.Errorf("journal: append %s: %w", event.Type, err)
	}
	return nil
}

// ToRecord converts an event to its stored form.
func ToRecord(e dispatch.Event) repository.EventRecord {
	return repository.EventRecord{
		CampaignID: e.CampaignID,
		Type:       string(e.Type),
		AttemptID:  e.AttemptID,
		Phone:      e.Phone,
		Status:     e.Status,
		Message:    e.Message,
		Processed:  e.Processed,
		Total:      e.Total,
		Succeeded:  e.Succeeded,
		Failed:     e.Failed,
		OccurredAt: e.OccurredAt,
	}
}
