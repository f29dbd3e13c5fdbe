package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/phone-presence-server/pkg/models"
)

var selectStatusMessages = `SELECT user_id, status_message, email, updated_at FROM user_status_messages`

// StatusMessageStore provides database operations for user status messages.
type StatusMessageStore interface {
	GetAll(ctx context.Context) ([]models.StatusMessageRecord, error)
	UpsertBatch(ctx context.Context, records []models.StatusMessageRecord) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type postgresStatusMessageStore struct {
	db *sqlx.DB
}

// NewStatusMessageStore creates a new status message store.
func NewStatusMessageStore(dbconn *sqlx.DB) StatusMessageStore {
	return &postgresStatusMessageStore{db: dbconn}
}

func (s *postgresStatusMessageStore) GetAll(ctx context.Context) ([]models.StatusMessageRecord, error) {
	query := selectStatusMessages + " ORDER BY updated_at DESC;"
	records := []models.StatusMessageRecord{}
	if err := s.db.SelectContext(ctx, &records, query); err != nil {
		return nil, err
	}
	return records, nil
}

const upsertStatusMessage = `
	INSERT INTO user_status_messages (user_id, status_message, email, updated_at)
	VALUES (:user_id, :status_message, :email, :updated_at)
	ON CONFLICT (user_id)
	DO UPDATE SET
		status_message = EXCLUDED.status_message,
		email = COALESCE(EXCLUDED.email, user_status_messages.email),
		updated_at = EXCLUDED.updated_at
	WHERE user_status_messages.updated_at <= EXCLUDED.updated_at
	;`

func (s *postgresStatusMessageStore) UpsertBatch(ctx context.Context, records []models.StatusMessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, upsertStatusMessage, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStatusMessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_status_messages WHERE updated_at < $1;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
