package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatcher/internal/domain"
)

// CampaignStatisticsRepository implements repository.StatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

type countsRecord struct {
	Total     int64 `db:"total"`
	Pending   int64 `db:"pending"`
	Succeeded int64 `db:"succeeded"`
	Failed    int64 `db:"failed"`
}

// Counts aggregates the dispatch log of one campaign.
func (r *CampaignStatisticsRepository) Counts(ctx context.Context, campaignID string) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
		COUNT(*) FILTER (WHERE status = 'SENT_SUCCESS') AS succeeded,
		COUNT(*) FILTER (WHERE status = 'SENT_FAILED') AS failed
	FROM dispatch_log WHERE campaign_id = $1`, campaignID)

	var rec countsRecord
	if err := row.StructScan(&rec); err != nil {
		return nil, fmt.Errorf("campaign stats: counts: %w", err)
	}
	return &domain.CampaignStats{
		Total:     rec.Total,
		Pending:   rec.Pending,
		Succeeded: rec.Succeeded,
		Failed:    rec.Failed,
	}, nil
}
