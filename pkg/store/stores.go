// Package store is the PostgreSQL persistence for presence state.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kabili207/phone-presence-server/pkg/models"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

const defaultOperationTimeout = 5 * time.Second

// Stores bundles the table stores and implements the presence write-behind
// backend on top of them.
type Stores struct {
	db        *sqlx.DB
	Presence  PresenceStatusStore
	Messages  StatusMessageStore
	opTimeout time.Duration
	log       *slog.Logger
}

// Open connects to PostgreSQL.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// New wires the table stores. Every call is bounded by opTimeout.
func New(db *sqlx.DB, opTimeout time.Duration) *Stores {
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	return &Stores{
		db:        db,
		Presence:  NewPresenceStatusStore(db),
		Messages:  NewStatusMessageStore(db),
		opTimeout: opTimeout,
		log:       slog.Default().With("component", "store"),
	}
}

// LoadAll reads both tables concurrently.
func (s *Stores) LoadAll(ctx context.Context) ([]models.PresenceRecord, []models.StatusMessageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var presence []models.PresenceRecord
	var messages []models.StatusMessageRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		presence, err = s.Presence.GetAll(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		messages, err = s.Messages.GetAll(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("loading presence state: %w", err)
	}
	return presence, messages, nil
}

func (s *Stores) UpsertPresence(ctx context.Context, records []models.PresenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.Presence.UpsertBatch(ctx, records)
}

func (s *Stores) UpsertStatusMessages(ctx context.Context, records []models.StatusMessageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.Messages.UpsertBatch(ctx, records)
}

var selectUserData = `
	SELECT
		COALESCE(p.user_id, m.user_id) AS user_id,
		COALESCE(p.email, m.email) AS email,
		p.presence_status,
		p.updated_at AS presence_updated_at,
		m.status_message,
		m.updated_at AS status_updated_at
	FROM user_presence_status p
	FULL OUTER JOIN user_status_messages m ON p.user_id = m.user_id
	ORDER BY GREATEST(
		COALESCE(p.updated_at, 'epoch'::timestamptz),
		COALESCE(m.updated_at, 'epoch'::timestamptz)
	) DESC;`

// AllUserData joins both tables into one row per user.
func (s *Stores) AllUserData(ctx context.Context) ([]models.UserData, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	rows := []models.UserData{}
	if err := s.db.SelectContext(ctx, &rows, selectUserData); err != nil {
		return nil, err
	}
	return rows, nil
}

// PurgeOlderThan deletes rows from both tables not updated since cutoff.
func (s *Stores) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	p, err := s.Presence.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	m, err := s.Messages.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return p, err
	}
	return p + m, nil
}

// Ping checks the connection.
func (s *Stores) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// RunRetention purges rows older than retention every interval until ctx is
// done.
func (s *Stores) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				s.log.Error("retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("purged old presence rows", "rows", n, "retention", retention)
			}
		}
	}
}
