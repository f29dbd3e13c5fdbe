// Package calls tracks which extensions are currently on a call.
package calls

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/metrics"
	"github.com/kabili207/phone-presence-server/pkg/models"
)

// DefaultStaleAfter bounds how long a call record survives without a terminal event.
const DefaultStaleAfter = 30 * time.Minute

// Stats summarizes the store for the debug endpoints.
type Stats struct {
	ActiveCalls int        `json:"activeCalls"`
	Inbound     int        `json:"inbound"`
	Outbound    int        `json:"outbound"`
	LastUpdate  *time.Time `json:"lastUpdate"`
}

// Store holds call activity per extension. Records are overwritten in arrival
// order and deleted by terminal events or the staleness sweep.
type Store struct {
	mu    sync.RWMutex
	calls map[string]models.CallRecord
	nowF  func() time.Time
	log   *slog.Logger
}

func NewStore() *Store {
	return &Store{
		calls: make(map[string]models.CallRecord),
		nowF:  time.Now,
		log:   slog.Default().With("component", "calls"),
	}
}

// WithLogger replaces the store's logger.
func (s *Store) WithLogger(log *slog.Logger) *Store {
	s.log = log.With("component", "calls")
	return s
}

// WithClock replaces the store's time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowF = now
	return s
}

// UpdateCallStatus upserts the call record for an extension.
func (s *Store) UpdateCallStatus(id, status, callID string, direction models.CallDirection, counterpart models.Counterpart) models.CallRecord {
	rec := models.CallRecord{
		EntityID:    models.NormalizeEntityID(id),
		Status:      status,
		CallID:      callID,
		Direction:   direction,
		Counterpart: counterpart,
		UpdatedAt:   s.nowF().UTC(),
	}

	s.mu.Lock()
	s.calls[rec.EntityID] = rec
	n := len(s.calls)
	s.mu.Unlock()

	metrics.ActiveCalls.Set(float64(n))
	return rec
}

// ClearCallStatus removes the extension's call record. It reports whether
// one existed.
func (s *Store) ClearCallStatus(id string) bool {
	key := models.NormalizeEntityID(id)

	s.mu.Lock()
	_, ok := s.calls[key]
	delete(s.calls, key)
	n := len(s.calls)
	s.mu.Unlock()

	metrics.ActiveCalls.Set(float64(n))
	return ok
}

// GetCallStatus returns the raw record.
func (s *Store) GetCallStatus(id string) (models.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[models.NormalizeEntityID(id)]
	return rec, ok
}

// GetFormattedCallStatus returns the display status, or nil when the
// extension is not on a call.
func (s *Store) GetFormattedCallStatus(id string) *models.FormattedCallStatus {
	rec, ok := s.GetCallStatus(id)
	if !ok {
		return nil
	}
	f := rec.Format()
	return &f
}

// GetAllActiveCalls returns a snapshot ordered by entity id.
func (s *Store) GetAllActiveCalls() []models.CallRecord {
	s.mu.RLock()
	out := make([]models.CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// SweepStale removes records older than maxAge and returns how many went.
func (s *Store) SweepStale(maxAge time.Duration) int {
	cutoff := s.nowF().UTC().Add(-maxAge)
	removed := 0

	s.mu.Lock()
	for id, rec := range s.calls {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.calls, id)
			removed++
		}
	}
	n := len(s.calls)
	s.mu.Unlock()

	metrics.ActiveCalls.Set(float64(n))
	return removed
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ActiveCalls: len(s.calls)}
	for _, rec := range s.calls {
		switch rec.Direction {
		case models.CallInbound:
			st.Inbound++
		case models.CallOutbound:
			st.Outbound++
		}
		if st.LastUpdate == nil || rec.UpdatedAt.After(*st.LastUpdate) {
			t := rec.UpdatedAt
			st.LastUpdate = &t
		}
	}
	return st
}

// RunSweeper sweeps on a fixed schedule until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepStale(maxAge); n > 0 {
				s.log.Info("cleared stale call records", "removed", n, "max_age", maxAge)
			}
		}
	}
}
