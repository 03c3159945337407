package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatcher/internal/repository"
)

// NewLedger wires the PostgreSQL repositories over one handle.
func NewLedger(db *sqlx.DB) repository.Ledger {
	return repository.Ledger{
		Campaigns:   NewCampaignRepository(db),
		DispatchLog: NewDispatchLogRepository(db),
		Stats:       NewCampaignStatisticsRepository(db),
	}
}
