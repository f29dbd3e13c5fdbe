package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/phone-presence-server/pkg/models"
)

var selectPresenceStatus = `SELECT user_id, presence_status, email, updated_at FROM user_presence_status`

// PresenceStatusStore provides database operations for user presence.
type PresenceStatusStore interface {
	// GetAll retrieves every row, newest first.
	GetAll(ctx context.Context) ([]models.PresenceRecord, error)
	// UpsertBatch writes the records in one transaction.
	UpsertBatch(ctx context.Context, records []models.PresenceRecord) error
	// DeleteOlderThan removes rows last updated before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type postgresPresenceStatusStore struct {
	db *sqlx.DB
}

// NewPresenceStatusStore creates a new presence status store.
func NewPresenceStatusStore(dbconn *sqlx.DB) PresenceStatusStore {
	return &postgresPresenceStatusStore{db: dbconn}
}

func (s *postgresPresenceStatusStore) GetAll(ctx context.Context) ([]models.PresenceRecord, error) {
	query := selectPresenceStatus + " ORDER BY updated_at DESC;"
	records := []models.PresenceRecord{}
	if err := s.db.SelectContext(ctx, &records, query); err != nil {
		return nil, err
	}
	return records, nil
}

// Rows only move forward in time; a stale write leaves the row alone.
const upsertPresenceStatus = `
	INSERT INTO user_presence_status (user_id, presence_status, email, updated_at)
	VALUES (:user_id, :presence_status, :email, :updated_at)
	ON CONFLICT (user_id)
	DO UPDATE SET
		presence_status = EXCLUDED.presence_status,
		email = COALESCE(EXCLUDED.email, user_presence_status.email),
		updated_at = EXCLUDED.updated_at
	WHERE user_presence_status.updated_at <= EXCLUDED.updated_at
	;`

func (s *postgresPresenceStatusStore) UpsertBatch(ctx context.Context, records []models.PresenceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// One statement per row: a batch may hold the same user twice, which a
	// multi-row ON CONFLICT rejects.
	for _, rec := range records {
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		if _, err := tx.NamedExecContext(ctx, upsertPresenceStatus, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresPresenceStatusStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_presence_status WHERE updated_at < $1;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
