package repository

import (
	"context"
	"time"

	"github.com/acme/campaign-dispatcher/internal/domain"
	apperrors "github.com/acme/campaign-dispatcher/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation or an illegal transition.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	// CreateWithContacts stores the campaign and its PENDING dispatch rows
	// atomically and returns how many rows were enqueued.
	CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) (int, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error
	// ListByStatus returns newest-created campaigns first. No statuses means all.
	ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// DispatchLogRepository stores one attempt row per campaign contact.
type DispatchLogRepository interface {
	Enqueue(ctx context.Context, campaignID string, contacts []domain.Contact) (int, error)
	// ListPending returns PENDING attempts in insertion order.
	ListPending(ctx context.Context, campaignID string) ([]domain.DispatchAttempt, error)
	// UpdateAttempt settles an attempt and stamps sent_at with the current time.
	UpdateAttempt(ctx context.Context, update AttemptUpdate) error
	ListByCampaign(ctx context.Context, campaignID string, status domain.AttemptStatus, limit int) ([]domain.DispatchAttempt, error)
}

// StatisticsRepository aggregates dispatch log counts.
type StatisticsRepository interface {
	Counts(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
}

// EventStore keeps the history of dispatch progress events.
type EventStore interface {
	Append(ctx context.Context, event EventRecord) error
	List(ctx context.Context, campaignID string, limit int, pagingState []byte) ([]EventRecord, []byte, error)
}

// Ledger groups the stores a dispatch run reads and writes.
type Ledger struct {
	Campaigns   CampaignRepository
	DispatchLog DispatchLogRepository
	Stats       StatisticsRepository
}

// AttemptUpdate carries the final fields of an attempt.
type AttemptUpdate struct {
	ID       int64
	Status   domain.AttemptStatus
	Message  *string
	Response *string
}

// EventRecord is the stored form of a progress event.
type EventRecord struct {
	CampaignID string
	Type       string
	AttemptID  int64
	Phone      string
	Status     string
	Message    string
	Processed  int
	Total      int
	Succeeded  int
	Failed     int
	OccurredAt time.Time
}
