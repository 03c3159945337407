package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/acme/campaign-dispatcher/internal/repository"
)

// EventLog keeps progress events in process memory.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]repository.EventRecord
}

var _ repository.EventStore = (*EventLog)(nil)

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{events: make(map[string][]repository.EventRecord)}
}

// Append stores one event.
func (l *EventLog) Append(_ context.Context, event repository.EventRecord) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.CampaignID] = append(l.events[event.CampaignID], event)
	return nil
}

// List pages through a campaign's events. The paging state is an opaque offset.
func (l *EventLog) List(_ context.Context, campaignID string, limit int, pagingState []byte) ([]repository.EventRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if len(pagingState) > 0 {
		n, err := strconv.Atoi(string(pagingState))
		if err != nil || n < 0 {
			return nil, nil, fmt.Errorf("event log: invalid paging state")
		}
		offset = n
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.events[campaignID]
	if offset >= len(all) {
		return []repository.EventRecord{}, nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := make([]repository.EventRecord, end-offset)
	copy(page, all[offset:end])

	var next []byte
	if end < len(all) {
		next = []byte(strconv.Itoa(end))
	}
	return page, next, nil
}
