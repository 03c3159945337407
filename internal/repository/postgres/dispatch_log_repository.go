package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/repository"
)

const insertBatchSize = 500

const attemptColumns = `id, campaign_id, contact_phone, contact_name, personalized_message, sent_at, status, gateway_response`

// DispatchLogRepository persists per-contact dispatch attempts.
type DispatchLogRepository struct {
	db *sqlx.DB
}

// NewDispatchLogRepository constructs the repository.
func NewDispatchLogRepository(db *sqlx.DB) *DispatchLogRepository {
	return &DispatchLogRepository{db: db}
}

// Enqueue inserts one PENDING row per distinct contact phone.
func (r *DispatchLogRepository) Enqueue(ctx context.Context, campaignID string, contacts []domain.Contact) (int, error) {
	var enqueued int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		n, err := insertContacts(ctx, tx, campaignID, contacts)
		enqueued = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

func insertContacts(ctx context.Context, exec sqlx.ExtContext, campaignID string, contacts []domain.Contact) (int, error) {
	contacts = repository.DedupeContacts(contacts)
	if len(contacts) == 0 {
		return 0, nil
	}

	query := `INSERT INTO dispatch_log (campaign_id, contact_phone, contact_name, status)
	VALUES (:campaign_id, :contact_phone, :contact_name, :status)
	ON CONFLICT (campaign_id, contact_phone) DO NOTHING`

	var total int64
	for start := 0; start < len(contacts); start += insertBatchSize {
		end := min(start+insertBatchSize, len(contacts))
		rows := make([]map[string]any, 0, end-start)
		for _, c := range contacts[start:end] {
			rows = append(rows, map[string]any{
				"campaign_id":   campaignID,
				"contact_phone": c.Phone,
				"contact_name":  c.Name,
				"status":        string(domain.AttemptStatusPending),
			})
		}

		res, err := sqlx.NamedExecContext(ctx, exec, query, rows)
		if err != nil {
			return 0, fmt.Errorf("dispatch log: bulk insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("dispatch log: rows affected: %w", err)
		}
		total += n
	}

	return int(total), nil
}

// ListPending fetches PENDING attempts in insertion order.
func (r *DispatchLogRepository) ListPending(ctx context.Context, campaignID string) ([]domain.DispatchAttempt, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT `+attemptColumns+`
		FROM dispatch_log
		WHERE campaign_id = $1 AND status = $2
		ORDER BY id ASC`, campaignID, string(domain.AttemptStatusPending))
	if err != nil {
		return nil, fmt.Errorf("dispatch log: select pending: %w", err)
	}
	return scanAttempts(rows)
}

// UpdateAttempt settles an attempt. Rewriting the same final status is a
// no-op success; flipping an already settled attempt is a conflict.
func (r *DispatchLogRepository) UpdateAttempt(ctx context.Context, update repository.AttemptUpdate) error {
	res, err := r.db.ExecContext(ctx, `UPDATE dispatch_log SET
		status = $2,
		personalized_message = $3,
		gateway_response = $4,
		sent_at = NOW()
	WHERE id = $1 AND (status = $5 OR status = $2)`,
		update.ID, string(update.Status), update.Message, update.Response, string(domain.AttemptStatusPending),
	)
	if err != nil {
		return fmt.Errorf("dispatch log: update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatch log: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	if err := r.db.QueryRowxContext(ctx, `SELECT status FROM dispatch_log WHERE id = $1`, update.ID).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return repository.ErrNotFound
		}
		return fmt.Errorf("dispatch log: lookup attempt: %w", err)
	}
	return fmt.Errorf("%w: attempt %d already settled as %s", repository.ErrConflict, update.ID, current)
}

// ListByCampaign lists attempts, optionally filtered by status.
func (r *DispatchLogRepository) ListByCampaign(ctx context.Context, campaignID string, status domain.AttemptStatus, limit int) ([]domain.DispatchAttempt, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `SELECT ` + attemptColumns + `
		FROM dispatch_log
		WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		query += " AND status = $2 ORDER BY id ASC LIMIT $3"
		args = append(args, string(status), limit)
	} else {
		query += " ORDER BY id ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch log: list: %w", err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows *sqlx.Rows) ([]domain.DispatchAttempt, error) {
	defer rows.Close()

	var results []domain.DispatchAttempt
	for rows.Next() {
		var rec attemptRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("dispatch log: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch log: rows err: %w", err)
	}
	return results, nil
}

type attemptRecord struct {
	ID                  int64          `db:"id"`
	CampaignID          string         `db:"campaign_id"`
	ContactPhone        string         `db:"contact_phone"`
	ContactName         string         `db:"contact_name"`
	PersonalizedMessage sql.NullString `db:"personalized_message"`
	SentAt              sql.NullTime   `db:"sent_at"`
	Status              string         `db:"status"`
	GatewayResponse     sql.NullString `db:"gateway_response"`
}

func (r attemptRecord) toDomain() domain.DispatchAttempt {
	attempt := domain.DispatchAttempt{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		ContactPhone: r.ContactPhone,
		ContactName:  r.ContactName,
		Status:       domain.AttemptStatus(r.Status),
	}
	if r.PersonalizedMessage.Valid {
		msg := r.PersonalizedMessage.String
		attempt.PersonalizedMessage = &msg
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		attempt.SentAt = &t
	}
	if r.GatewayResponse.Valid {
		resp := r.GatewayResponse.String
		attempt.GatewayResponse = &resp
	}
	return attempt
}
