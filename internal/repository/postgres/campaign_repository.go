package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

const uniqueViolation = "23505"

const campaignColumns = `id, source_list_name, message_template, image_reference, status, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	if _, err := r.db.NamedExecContext(ctx, insertCampaignSQL, campaignParams(campaign)); err != nil {
		return translateInsertErr(campaign.ID, err)
	}
	return nil
}

// CreateWithContacts inserts the campaign and its dispatch rows in one transaction.
func (r *CampaignRepository) CreateWithContacts(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) (int, error) {
	var enqueued int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertCampaignSQL, campaignParams(campaign)); err != nil {
			return translateInsertErr(campaign.ID, err)
		}
		n, err := insertContacts(ctx, tx, campaign.ID, contacts)
		if err != nil {
			return err
		}
		enqueued = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByStatus returns campaigns filtered by status, newest first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses []domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sqlx.Rows
		err  error
	)
	if len(statuses) > 0 {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns WHERE status = ANY($1)
			ORDER BY created_at DESC, id DESC LIMIT $2`, statusStrings(statuses), limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}

	return results, nil
}

const insertCampaignSQL = `INSERT INTO campaigns (
	id, source_list_name, message_template, image_reference, status, created_at, updated_at
) VALUES (
	:id, :source_list_name, :message_template, :image_reference, :status, :created_at, :updated_at
)`

func campaignParams(c *domain.Campaign) map[string]any {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	return map[string]any{
		"id":               c.ID,
		"source_list_name": c.SourceListName,
		"message_template": c.MessageTemplate,
		"image_reference":  c.ImageReference,
		"status":           string(c.Status),
		"created_at":       created,
		"updated_at":       updated,
	}
}

func translateInsertErr(id string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: campaign %s already exists", repository.ErrConflict, id)
	}
	return fmt.Errorf("campaign repo: insert: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusStrings(statuses []domain.CampaignStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

type campaignRecord struct {
	ID              string         `db:"id"`
	SourceListName  string         `db:"source_list_name"`
	MessageTemplate string         `db:"message_template"`
	ImageReference  sql.NullString `db:"image_reference"`
	Status          string         `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       sql.NullTime   `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	campaign := domain.Campaign{
		ID:              r.ID,
		SourceListName:  r.SourceListName,
		MessageTemplate: r.MessageTemplate,
		Status:          domain.CampaignStatus(r.Status),
		CreatedAt:       r.CreatedAt,
	}
	if r.ImageReference.Valid {
		ref := r.ImageReference.String
		campaign.ImageReference = &ref
	}
	if r.UpdatedAt.Valid {
		campaign.UpdatedAt = r.UpdatedAt.Time
	}
	return campaign
}
