package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType names a progress notification.
type EventType string

const (
	EventDispatchUpdate   EventType = "dispatch_update"
	EventCampaignProgress EventType = "campaign_progress"
	EventCampaignFinished EventType = "campaign_finished"
	EventCampaignPaused   EventType = "campaign_paused"
	EventCampaignError    EventType = "campaign_error"
	EventCampaignLog      EventType = "campaign_log"
)

// StatusProcessing marks an attempt whose send is in flight. It only appears
// in events, never in the dispatch log.
const StatusProcessing = "PROCESSING"

// Event is a progress notification for observers of a run.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaign_id"`
	AttemptID  int64     `json:"attempt_id,omitempty"`
	Phone      string    `json:"contact_phone,omitempty"`
	Name       string    `json:"contact_name,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	Response   string    `json:"gateway_response,omitempty"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"success"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier receives progress events. Implementations must not block the run
// for long; errors are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Notifiers fans an event out to every member.
type Notifiers []Notifier

// Notify implements Notifier.
func (n Notifiers) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, notifier := range n {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrEventDropped is reported when a channel subscriber is too slow.
var ErrEventDropped = errors.New("dispatch: progress event dropped")

// ChannelNotifier forwards events to a buffered channel without blocking.
type ChannelNotifier struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelNotifier{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the channel.
func (c *ChannelNotifier) Events() <-chan Event {
	return c.ch
}

// Notify implements Notifier.
func (c *ChannelNotifier) Notify(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

// Close closes the channel; later events are discarded.
func (c *ChannelNotifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
