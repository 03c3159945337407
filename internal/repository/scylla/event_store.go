package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-dispatcher/internal/repository"
)

const createEventsTable = `CREATE TABLE IF NOT EXISTS dispatch_events (
	campaign_id text,
	event_id timeuuid,
	type text,
	attempt_id bigint,
	phone text,
	status text,
	message text,
	processed int,
	total int,
	succeeded int,
	failed int,
	occurred_at timestamp,
	PRIMARY KEY ((campaign_id), event_id)
) WITH CLUSTERING ORDER BY (event_id ASC)`

// EventStore persists dispatch progress events in Scylla.
type EventStore struct {
	session *gocql.Session
	ttl     time.Duration
}

var _ repository.EventStore = (*EventStore)(nil)

// NewEventStore creates a new event store. A zero ttl keeps events forever.
func NewEventStore(session *gocql.Session, ttl time.Duration) *EventStore {
	return &EventStore{session: session, ttl: ttl}
}

// EnsureSchema creates the events table if needed.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(createEventsTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: create table: %w", err)
	}
	return nil
}

// Append inserts one event.
func (s *EventStore) Append(ctx context.Context, event repository.EventRecord) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	stmt := `INSERT INTO dispatch_events (campaign_id, event_id, type, attempt_id, phone, status, message,
		processed, total, succeeded, failed, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		event.CampaignID, gocql.UUIDFromTime(occurred), event.Type, event.AttemptID, event.Phone, event.Status,
		event.Message, event.Processed, event.Total, event.Succeeded, event.Failed, occurred,
	}
	if ttl := ttlSeconds(s.ttl); ttl > 0 {
		stmt += " USING TTL ?"
		args = append(args, ttl)
	}

	if err := s.session.Query(stmt, args...).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: append: %w", err)
	}
	return nil
}

// List pages through a campaign's events in the order they happened.
func (s *EventStore) List(ctx context.Context, campaignID string, limit int, pagingState []byte) ([]repository.EventRecord, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT type, attempt_id, phone, status, message, processed, total, succeeded, failed, occurred_at
		FROM dispatch_events WHERE campaign_id = ?`, campaignID).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	events := make([]repository.EventRecord, 0, limit)

	var rec repository.EventRecord
	for iter.Scan(&rec.Type, &rec.AttemptID, &rec.Phone, &rec.Status, &rec.Message,
		&rec.Processed, &rec.Total, &rec.Succeeded, &rec.Failed, &rec.OccurredAt) {
		rec.CampaignID = campaignID
		events = append(events, rec)
		rec = repository.EventRecord{}
	}

	nextState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("event store: iter close: %w", err)
	}

	return events, nextState, nil
}

func ttlSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
