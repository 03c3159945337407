// Package memory is an in-process ledger with the same semantics as the
// PostgreSQL one. State is lost when the process exits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

// Store implements the campaign, dispatch log and statistics repositories.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]domain.Campaign
	attempts  []domain.DispatchAttempt
	byID      map[int64]int
	nextID    int64
	now       func() time.Time
}

var (
	_ repository.CampaignRepository    = (*Store)(nil)
	_ repository.DispatchLogRepository = (*Store)(nil)
	_ repository.StatisticsRepository  = (*Store)(nil)
)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[string]domain.Campaign),
		byID:      make(map[int64]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ledger exposes the store as a repository.Ledger.
func (s *Store) Ledger() repository.Ledger {
	return repository.Ledger{Campaigns: s, DispatchLog: s, Stats: s}
}

// Create inserts a campaign.
func (s *Store) Create(ctx context.Context, campaign *domain.Campaign) error {
	_, err := s.CreateWithContacts(ctx, campaign, nil)
	return err
}

// CreateWithContacts inserts a campaign and its PENDING rows atomically.
func (s *Store) CreateWithContacts(_ context.Context, campaign *domain.Campaign, contacts []domain.Contact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.campaigns[campaign.ID]; exists {
		return 0, fmt.Errorf("%w: campaign %s already exists", repository.ErrConflict, campaign.ID)
	}

	stored := *campaign
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if stored.ImageReference != nil {
		ref := *stored.ImageReference
		stored.ImageReference = &ref
	}
	s.campaigns[stored.ID] = stored

	return s.enqueueLocked(stored.ID, contacts), nil
}

// Get fetches a campaign by id.
func (s *Store) Get(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

// UpdateStatus sets the campaign status.
func (s *Store) UpdateStatus(_ context.Context, id string, status domain.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.campaigns[id] = c
	return nil
}

// ListByStatus returns matching campaigns newest first.
func (s *Store) ListByStatus(_ context.Context, statuses []domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[domain.CampaignStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	var out []*domain.Campaign
	for _, c := range s.campaigns {
		if len(want) > 0 {
			if _, ok := want[c.Status]; !ok {
				continue
			}
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Enqueue adds PENDING rows for contacts not yet queued for the campaign.
func (s *Store) Enqueue(_ context.Context, campaignID string, contacts []domain.Contact) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[campaignID]; !ok {
		return 0, fmt.Errorf("dispatch log: %w: campaign %s", repository.ErrNotFound, campaignID)
	}
	return s.enqueueLocked(campaignID, contacts), nil
}

func (s *Store) enqueueLocked(campaignID string, contacts []domain.Contact) int {
	queued := make(map[string]struct{})
	for _, a := range s.attempts {
		if a.CampaignID == campaignID {
			queued[a.ContactPhone] = struct{}{}
		}
	}

	var n int
	for _, c := range repository.DedupeContacts(contacts) {
		if _, dup := queued[c.Phone]; dup {
			continue
		}
		s.nextID++
		s.byID[s.nextID] = len(s.attempts)
		s.attempts = append(s.attempts, domain.DispatchAttempt{
			ID:           s.nextID,
			CampaignID:   campaignID,
			ContactPhone: c.Phone,
			ContactName:  c.Name,
			Status:       domain.AttemptStatusPending,
		})
		n++
	}
	return n
}

// ListPending returns PENDING attempts in insertion order.
func (s *Store) ListPending(ctx context.Context, campaignID string) ([]domain.DispatchAttempt, error) {
	return s.ListByCampaign(ctx, campaignID, domain.AttemptStatusPending, 0)
}

// UpdateAttempt settles an attempt and stamps sent_at.
func (s *Store) UpdateAttempt(_ context.Context, update repository.AttemptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[update.ID]
	if !ok {
		return repository.ErrNotFound
	}
	a := s.attempts[idx]
	if a.Status != domain.AttemptStatusPending && a.Status != update.Status {
		return fmt.Errorf("%w: attempt %d already settled as %s", repository.ErrConflict, a.ID, a.Status)
	}

	now := s.now()
	a.Status = update.Status
	a.PersonalizedMessage = cloneString(update.Message)
	a.GatewayResponse = cloneString(update.Response)
	a.SentAt = &now
	s.attempts[idx] = a
	return nil
}

// ListByCampaign lists attempts in insertion order, optionally by status.
func (s *Store) ListByCampaign(_ context.Context, campaignID string, status domain.AttemptStatus, limit int) ([]domain.DispatchAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.DispatchAttempt
	for _, a := range s.attempts {
		if a.CampaignID != campaignID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Counts aggregates the attempts of one campaign.
func (s *Store) Counts(_ context.Context, campaignID string) (*domain.CampaignStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := new(domain.CampaignStats)
	for _, a := range s.attempts {
		if a.CampaignID != campaignID {
			continue
		}
		stats.Total++
		switch a.Status {
		case domain.AttemptStatusPending:
			stats.Pending++
		case domain.AttemptStatusSentSuccess:
			stats.Succeeded++
		case domain.AttemptStatusSentFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
