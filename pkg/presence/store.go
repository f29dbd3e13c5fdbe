// Package presence holds the live presence and status message of every user
// and persists changes to the durable store in the background.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/models"
)

// Options tunes the store. Zero values take the defaults.
type Options struct {
	BatchSize      int
	WriteInterval  time.Duration
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	ReloadInterval time.Duration
	FlushTimeout   time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.WriteInterval <= 0 {
		o.WriteInterval = 2 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats summarizes the store for the debug endpoints.
type Stats struct {
	TotalPresenceEntries int        `json:"totalPresenceEntries"`
	TotalMessageEntries  int        `json:"totalMessageEntries"`
	LastPresenceUpdate   *time.Time `json:"lastPresenceUpdate"`
	LastMessageUpdate    *time.Time `json:"lastMessageUpdate"`
	LastDBSync           time.Time  `json:"lastDbSync"`
	QueueLength          int        `json:"queueLength"`
}

// Store is the in-memory presence state. Lookups are case-insensitive; the
// durable copy keeps the id exactly as the platform sent it.
type Store struct {
	mu       sync.RWMutex
	presence map[string]models.PresenceRecord
	messages map[string]models.StatusMessageRecord
	lastSync time.Time

	durable Durable
	queue   *WriteQueue
	opts    Options
	log     *slog.Logger
}

// ErrNoDurableStore is returned by operations that need a database when none
// is configured.
var ErrNoDurableStore = errors.New("presence: no durable store configured")

// NewStore creates a store. durable may be nil, in which case state lives in
// memory only.
func NewStore(durable Durable, opts Options) *Store {
	opts.setDefaults()
	log := opts.Logger.With("component", "presence")
	s := &Store{
		presence: make(map[string]models.PresenceRecord),
		messages: make(map[string]models.StatusMessageRecord),
		durable:  durable,
		opts:     opts,
		log:      log,
	}
	if durable != nil {
		s.queue = newWriteQueue(durable, opts.BatchSize, opts.WriteInterval, log)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

// UpdatePresence records a user's presence and queues the durable write.
func (s *Store) UpdatePresence(id string, status models.PresenceStatus, email string) {
	now := s.now()
	rec := models.PresenceRecord{
		EntityID:  models.NormalizeEntityID(id),
		Status:    status,
		Email:     models.StringPtr(email),
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.presence[rec.EntityID] = rec
	s.mu.Unlock()

	if s.queue != nil {
		durable := rec
		durable.EntityID = id
		s.queue.Enqueue(WriteItem{Kind: KindPresence, Presence: durable, EnqueuedAt: now})
	}
}

// UpdateStatusMessage records a user's status message. A nil or empty
// message is an explicit clear.
func (s *Store) UpdateStatusMessage(id string, message *string, email string) {
	now := s.now()
	if message != nil && *message == "" {
		message = nil
	}
	rec := models.StatusMessageRecord{
		EntityID:  models.NormalizeEntityID(id),
		Message:   message,
		Email:     models.StringPtr(email),
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.messages[rec.EntityID] = rec
	s.mu.Unlock()

	if s.queue != nil {
		durable := rec
		durable.EntityID = id
		s.queue.Enqueue(WriteItem{Kind: KindMessage, Message: durable, EnqueuedAt: now})
	}
}

// GetPresence returns the user's status, or "n/a" when unknown.
func (s *Store) GetPresence(id string) models.PresenceStatus {
	rec, ok := s.PresenceEntry(id)
	if !ok || rec.Status == "" {
		return models.PresenceUnknown
	}
	return rec.Status
}

// GetStatusMessage returns the user's message, or nil when cleared or unknown.
func (s *Store) GetStatusMessage(id string) *string {
	rec, ok := s.MessageEntry(id)
	if !ok || rec.Message == nil {
		return nil
	}
	msg := *rec.Message
	return &msg
}

func (s *Store) PresenceEntry(id string) (models.PresenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.presence[models.NormalizeEntityID(id)]
	return rec, ok
}

func (s *Store) MessageEntry(id string) (models.StatusMessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[models.NormalizeEntityID(id)]
	return rec, ok
}

// GetAllPresence returns a snapshot ordered by entity id.
func (s *Store) GetAllPresence() []models.PresenceRecord {
	s.mu.RLock()
	out := make([]models.PresenceRecord, 0, len(s.presence))
	for _, rec := range s.presence {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// GetAllStatusMessages returns a snapshot ordered by entity id.
func (s *Store) GetAllStatusMessages() []models.StatusMessageRecord {
	s.mu.RLock()
	out := make([]models.StatusMessageRecord, 0, len(s.messages))
	for _, rec := range s.messages {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// LoadFromDatabase merges the durable copies into memory. Rows whose ids
// differ only in case collapse onto one entry, and an entry already newer
// than an incoming row is kept, so it can run at any time.
func (s *Store) LoadFromDatabase(ctx context.Context) error {
	if s.durable == nil {
		return ErrNoDurableStore
	}
	presence, messages, err := s.durable.LoadAll(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, rec := range presence {
		rec.EntityID = models.NormalizeEntityID(rec.EntityID)
		if cur, ok := s.presence[rec.EntityID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
			continue
		}
		s.presence[rec.EntityID] = rec
	}
	for _, rec := range messages {
		rec.EntityID = models.NormalizeEntityID(rec.EntityID)
		if cur, ok := s.messages[rec.EntityID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
			continue
		}
		s.messages[rec.EntityID] = rec
	}
	s.lastSync = s.now()
	s.mu.Unlock()

	s.log.Info("loaded state from database", "presence", len(presence), "messages", len(messages))
	return nil
}

// SweepStale drops records not updated within maxAge and returns how many
// were removed.
func (s *Store) SweepStale(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	removed := 0

	s.mu.Lock()
	for id, rec := range s.presence {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.presence, id)
			removed++
		}
	}
	for id, rec := range s.messages {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.messages, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Info("cleared stale entries", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// QueueLength returns the number of durable writes still pending.
func (s *Store) QueueLength() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalPresenceEntries: len(s.presence),
		TotalMessageEntries:  len(s.messages),
		LastDBSync:           s.lastSync,
		QueueLength:          s.QueueLength(),
	}
	for _, rec := range s.presence {
		if st.LastPresenceUpdate == nil || rec.UpdatedAt.After(*st.LastPresenceUpdate) {
			t := rec.UpdatedAt
			st.LastPresenceUpdate = &t
		}
	}
	for _, rec := range s.messages {
		if st.LastMessageUpdate == nil || rec.UpdatedAt.After(*st.LastMessageUpdate) {
			t := rec.UpdatedAt
			st.LastMessageUpdate = &t
		}
	}
	return st
}

// Flush writes every pending item now and returns how many were written.
func (s *Store) Flush(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, ErrNoDurableStore
	}
	return s.queue.Flush(ctx)
}

// Run drives the write-behind drain, the staleness sweep and, when
// configured, periodic rehydration. On cancellation it flushes what is left
// in the queue.
func (s *Store) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if s.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.queue.Run(ctx)
		}()
	}

	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()

	var reload <-chan time.Time
	if s.opts.ReloadInterval > 0 && s.durable != nil {
		t := time.NewTicker(s.opts.ReloadInterval)
		defer t.Stop()
		reload = t.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sweep.C:
			s.SweepStale(s.opts.StaleAfter)
		case <-reload:
			if err := s.LoadFromDatabase(ctx); err != nil {
				s.log.Error("periodic reload failed", "error", err)
			}
		}
	}

	wg.Wait()
	if s.queue == nil || s.queue.Len() == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()
	n, err := s.queue.Flush(flushCtx)
	if err != nil {
		s.log.Error("flush on shutdown incomplete", "written", n, "remaining", s.queue.Len(), "error", err)
		return
	}
	s.log.Info("flushed write queue on shutdown", "written", n)
}
