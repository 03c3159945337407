package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id               TEXT PRIMARY KEY,
		source_list_name TEXT NOT NULL DEFAULT '',
		message_template TEXT NOT NULL,
		image_reference  TEXT,
		status           TEXT NOT NULL DEFAULT 'PENDING',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS campaigns_status_created_idx ON campaigns (status, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS dispatch_log (
		id                   BIGSERIAL PRIMARY KEY,
		campaign_id          TEXT NOT NULL REFERENCES campaigns (id),
		contact_phone        TEXT NOT NULL CHECK (contact_phone <> ''),
		contact_name         TEXT NOT NULL DEFAULT '',
		personalized_message TEXT,
		sent_at              TIMESTAMPTZ,
		status               TEXT NOT NULL DEFAULT 'PENDING',
		gateway_response     TEXT,
		UNIQUE (campaign_id, contact_phone)
	)`,
	`CREATE INDEX IF NOT EXISTS dispatch_log_campaign_status_idx ON dispatch_log (campaign_id, status, id)`,
}

// EnsureSchema creates the ledger tables when they are missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	return nil
}
