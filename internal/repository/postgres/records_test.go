package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

func TestTranslateInsertErr(t *testing.T) {
	dup := fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolation})
	if err := translateInsertErr("camp_1", dup); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	other := &pgconn.PgError{Code: "23503"}
	if err := translateInsertErr("camp_1", other); errors.Is(err, repository.ErrConflict) {
		t.Fatalf("foreign key violation must not map to conflict")
	}
}

func TestCampaignParamsDefaultsTimestamps(t *testing.T) {
	img := "promo.png"
	params := campaignParams(&domain.Campaign{
		ID:              "camp_1",
		MessageTemplate: "Oi {{nome}}",
		ImageReference:  &img,
		Status:          domain.CampaignStatusPending,
	})

	created, ok := params["created_at"].(time.Time)
	if !ok || created.IsZero() {
		t.Fatalf("expected created_at to be defaulted, got %v", params["created_at"])
	}
	if params["updated_at"] != created {
		t.Fatalf("expected updated_at to default to created_at")
	}
	if params["status"] != "PENDING" {
		t.Fatalf("unexpected status param %v", params["status"])
	}
}

func TestCampaignRecordToDomain(t *testing.T) {
	now := time.Now().UTC()
	rec := campaignRecord{
		ID:              "camp_1",
		SourceListName:  "lista.csv",
		MessageTemplate: "Oi",
		ImageReference:  sql.NullString{String: "promo.png", Valid: true},
		Status:          "PAUSED",
		CreatedAt:       now,
	}

	c := rec.toDomain()
	if c.ImageReference == nil || *c.ImageReference != "promo.png" {
		t.Fatalf("image reference not mapped: %+v", c)
	}
	if c.Status != domain.CampaignStatusPaused || !c.CreatedAt.Equal(now) {
		t.Fatalf("unexpected campaign %+v", c)
	}

	rec.ImageReference = sql.NullString{}
	if c := rec.toDomain(); (&c).HasImage() {
		t.Fatalf("null image reference must map to text-only campaign")
	}
}

func TestAttemptRecordToDomain(t *testing.T) {
	pending := attemptRecord{ID: 7, CampaignID: "camp_1", ContactPhone: "55", Status: "PENDING"}
	a := pending.toDomain()
	if a.SentAt != nil || a.PersonalizedMessage != nil || a.GatewayResponse != nil {
		t.Fatalf("pending attempt must not carry attempt fields: %+v", a)
	}

	sent := attemptRecord{
		ID:                  8,
		Status:              "SENT_SUCCESS",
		PersonalizedMessage: sql.NullString{String: "Oi Ana!", Valid: true},
		SentAt:              sql.NullTime{Time: time.Now(), Valid: true},
		GatewayResponse:     sql.NullString{String: `{"status":"success"}`, Valid: true},
	}
	b := sent.toDomain()
	if b.SentAt == nil || *b.PersonalizedMessage != "Oi Ana!" || *b.GatewayResponse == "" {
		t.Fatalf("settled attempt lost fields: %+v", b)
	}
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]domain.CampaignStatus{domain.CampaignStatusPending, domain.CampaignStatusPaused})
	if len(got) != 2 || got[0] != "PENDING" || got[1] != "PAUSED" {
		t.Fatalf("unexpected %v", got)
	}
}
