package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository/memory"
	"github.com/acme/campaign-dispatcher/internal/service/concurrency"
)

type recordingDispatcher struct {
	ids  []string
	fail map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	if d.fail[id] {
		return errors.New("broker down")
	}
	d.ids = append(d.ids, id)
	return nil
}

func seed(t *testing.T, store *memory.Store, id string, status domain.CampaignStatus) {
	t.Helper()
	c := &domain.Campaign{ID: id, MessageTemplate: "Oi", Status: status, CreatedAt: time.Now()}
	if _, err := store.CreateWithContacts(context.Background(), c, []domain.Contact{{Phone: "1"}}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestTickResumesOnlyOrphans(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "orphan", domain.CampaignStatusInProgress)
	seed(t, store, "running", domain.CampaignStatusInProgress)
	seed(t, store, "paused", domain.CampaignStatusPaused)
	seed(t, store, "pending", domain.CampaignStatusPending)

	lock := concurrency.NewLocalLock()
	lease, err := lock.Acquire(context.Background(), "running")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lease.Release(context.Background())

	dispatcher := &recordingDispatcher{}
	s := New(store, lock, dispatcher, Config{}, nil)

	resumed, err := s.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != "orphan" {
		t.Fatalf("expected only the orphan to resume, got %v", resumed)
	}
	if len(dispatcher.ids) != 1 {
		t.Fatalf("unexpected dispatches %v", dispatcher.ids)
	}
}

func TestTickContinuesAfterDispatchError(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a", domain.CampaignStatusInProgress)
	seed(t, store, "b", domain.CampaignStatusInProgress)

	dispatcher := &recordingDispatcher{fail: map[string]bool{"a": true}}
	s := New(store, concurrency.NewLocalLock(), dispatcher, Config{}, nil)

	resumed, err := s.tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(resumed) != 1 || resumed[0] != "b" {
		t.Fatalf("expected b to resume despite a failing, got %v", resumed)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(memory.NewStore(), concurrency.NewLocalLock(), &recordingDispatcher{}, Config{TickInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
