package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/stretchr/testify/require"
)

type batch struct {
	presence []models.PresenceRecord
	messages []models.StatusMessageRecord
}

// fakeDurable records every successful write and fails the calls listed in failOn.
type fakeDurable struct {
	mu       sync.Mutex
	calls    int
	failOn   map[int]bool
	batches  []batch
	presence []models.PresenceRecord
	messages []models.StatusMessageRecord
}

func (f *fakeDurable) LoadAll(context.Context) ([]models.PresenceRecord, []models.StatusMessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presence, f.messages, nil
}

func (f *fakeDurable) UpsertPresence(_ context.Context, records []models.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[f.calls] {
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, batch{presence: append([]models.PresenceRecord(nil), records...)})
	return nil
}

func (f *fakeDurable) UpsertStatusMessages(_ context.Context, records []models.StatusMessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[f.calls] {
		return errors.New("connection reset")
	}
	f.batches = append(f.batches, batch{messages: append([]models.StatusMessageRecord(nil), records...)})
	return nil
}

func (f *fakeDurable) snapshot() []batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]batch(nil), f.batches...)
}

func TestPresenceCaseInsensitive(t *testing.T) {
	s := NewStore(nil, Options{})

	tests := []struct {
		write, read string
	}{
		{"AbC123", "abc123"},
		{"abc123", "ABC123"},
		{"XyZ", "xYz"},
	}
	for _, tt := range tests {
		t.Run(tt.write+"/"+tt.read, func(t *testing.T) {
			s.UpdatePresence(tt.write, models.PresenceDoNotDisturb, "")
			require.Equal(t, models.PresenceDoNotDisturb, s.GetPresence(tt.read))
		})
	}
}

func TestPresenceDefaults(t *testing.T) {
	s := NewStore(nil, Options{})
	require.Equal(t, models.PresenceUnknown, s.GetPresence("nobody"))
	require.Nil(t, s.GetStatusMessage("nobody"))
}

func TestStatusMessageExplicitClear(t *testing.T) {
	s := NewStore(nil, Options{})
	msg := "Out to lunch"
	s.UpdateStatusMessage("U1", &msg, "u1@example.com")
	require.Equal(t, "Out to lunch", *s.GetStatusMessage("u1"))

	s.UpdateStatusMessage("U1", nil, "")
	require.Nil(t, s.GetStatusMessage("U1"))

	rec, ok := s.MessageEntry("u1")
	require.True(t, ok, "a cleared message is still a record")
	require.Nil(t, rec.Message)

	empty := ""
	s.UpdateStatusMessage("U2", &empty, "")
	rec, ok = s.MessageEntry("U2")
	require.True(t, ok)
	require.Nil(t, rec.Message)
}

func TestDurableWriteKeepsOriginalCase(t *testing.T) {
	durable := &fakeDurable{}
	s := NewStore(durable, Options{})

	s.UpdatePresence("MiXeD", models.PresenceAway, "m@example.com")
	n, err := s.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	batches := durable.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, "MiXeD", batches[0].presence[0].EntityID)
	require.Equal(t, "m@example.com", *batches[0].presence[0].Email)

	rec, ok := s.PresenceEntry("MIXED")
	require.True(t, ok)
	require.Equal(t, "mixed", rec.EntityID)
}

func TestWriteQueueBatchesInOrder(t *testing.T) {
	durable := &fakeDurable{}
	s := NewStore(durable, Options{})

	for i := range 25 {
		s.UpdatePresence(fmt.Sprintf("user-%02d", i), models.PresenceAvailable, "")
	}

	ctx := context.Background()
	sizes := []int{}
	for s.QueueLength() > 0 {
		n, err := s.queue.ProcessBatch(ctx)
		require.NoError(t, err)
		sizes = append(sizes, n)
	}
	require.Equal(t, []int{10, 10, 5}, sizes)

	var got []string
	for _, b := range durable.snapshot() {
		require.LessOrEqual(t, len(b.presence), 10)
		for _, rec := range b.presence {
			got = append(got, rec.EntityID)
		}
	}
	require.Len(t, got, 25)
	for i, id := range got {
		require.Equal(t, fmt.Sprintf("user-%02d", i), id)
	}
}

func TestWriteQueueRetriesFailedBatchFirst(t *testing.T) {
	durable := &fakeDurable{failOn: map[int]bool{2: true}}
	s := NewStore(durable, Options{})

	for i := range 25 {
		s.UpdatePresence(fmt.Sprintf("user-%02d", i), models.PresenceAvailable, "")
	}

	ctx := context.Background()
	_, err := s.queue.ProcessBatch(ctx)
	require.NoError(t, err)

	_, err = s.queue.ProcessBatch(ctx)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 10, perr.Size)
	require.Equal(t, 15, s.QueueLength(), "failed batch goes back on the queue")

	n, err := s.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, n)

	batches := durable.snapshot()
	require.Len(t, batches, 3)
	require.Equal(t, "user-10", batches[1].presence[0].EntityID, "retried batch precedes later ones")
	require.Equal(t, "user-20", batches[2].presence[0].EntityID)
}

func TestWriteQueueSplitsKinds(t *testing.T) {
	durable := &fakeDurable{}
	s := NewStore(durable, Options{})

	msg := "hi"
	s.UpdatePresence("a", models.PresenceAway, "")
	s.UpdateStatusMessage("b", &msg, "")
	s.UpdatePresence("c", models.PresenceBusy, "")

	n, err := s.queue.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)

	batches := durable.snapshot()
	require.Len(t, batches, 2)
	require.Len(t, batches[0].presence, 2)
	require.Len(t, batches[1].messages, 1)
}

func TestRunDrainsAndFlushesOnShutdown(t *testing.T) {
	durable := &fakeDurable{}
	s := NewStore(durable, Options{WriteInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := range 15 {
		s.UpdatePresence(fmt.Sprintf("u%d", i), models.PresenceAway, "")
	}

	// The first batch goes out immediately; the rest waits behind the interval.
	require.Eventually(t, func() bool { return len(durable.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.Equal(t, 0, s.QueueLength())

	total := 0
	for _, b := range durable.snapshot() {
		total += len(b.presence)
	}
	require.Equal(t, 15, total)
}

func TestLoadFromDatabase(t *testing.T) {
	msg := "In the lab"
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	durable := &fakeDurable{
		presence: []models.PresenceRecord{{EntityID: "UsEr1", Status: models.PresenceInMeeting, UpdatedAt: updated}},
		messages: []models.StatusMessageRecord{{EntityID: "UsEr1", Message: &msg, UpdatedAt: updated}},
	}
	s := NewStore(durable, Options{})

	require.NoError(t, s.LoadFromDatabase(context.Background()))
	require.NoError(t, s.LoadFromDatabase(context.Background()), "hydration is idempotent")

	require.Equal(t, models.PresenceInMeeting, s.GetPresence("user1"))
	require.Equal(t, "In the lab", *s.GetStatusMessage("USER1"))
	require.Len(t, s.GetAllPresence(), 1)
	require.False(t, s.Stats().LastDBSync.IsZero())

	s.UpdatePresence("user1", models.PresenceAvailable, "")
	require.Equal(t, models.PresenceAvailable, s.GetPresence("USER1"), "live update after hydration wins")
}

func TestLoadKeepsNewestCaseVariant(t *testing.T) {
	older := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	fresh, stale := "Back at 3", "Gone fishing"
	durable := &fakeDurable{
		presence: []models.PresenceRecord{
			{EntityID: "AbC", Status: models.PresenceBusy, UpdatedAt: newer},
			{EntityID: "abc", Status: models.PresenceOffline, UpdatedAt: older},
		},
		messages: []models.StatusMessageRecord{
			{EntityID: "AbC", Message: &fresh, UpdatedAt: newer},
			{EntityID: "abc", Message: &stale, UpdatedAt: older},
		},
	}
	s := NewStore(durable, Options{})

	require.NoError(t, s.LoadFromDatabase(context.Background()))
	require.Equal(t, models.PresenceBusy, s.GetPresence("abc"))
	require.Equal(t, fresh, *s.GetStatusMessage("ABC"))
	require.Len(t, s.GetAllPresence(), 1)
}

func TestReloadDoesNotOverwriteNewerLiveState(t *testing.T) {
	durable := &fakeDurable{
		presence: []models.PresenceRecord{{EntityID: "U1", Status: models.PresenceAway, UpdatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	s := NewStore(durable, Options{})

	s.UpdatePresence("u1", models.PresenceAvailable, "")
	require.NoError(t, s.LoadFromDatabase(context.Background()))
	require.Equal(t, models.PresenceAvailable, s.GetPresence("U1"))
}

func TestLoadWithoutDurable(t *testing.T) {
	s := NewStore(nil, Options{})
	require.ErrorIs(t, s.LoadFromDatabase(context.Background()), ErrNoDurableStore)
	_, err := s.Flush(context.Background())
	require.ErrorIs(t, err, ErrNoDurableStore)
}

func TestSweepStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	s := NewStore(nil, Options{Now: func() time.Time { return clock }})

	clock = now.Add(-25 * time.Hour)
	s.UpdatePresence("old", models.PresenceAway, "")
	msg := "old note"
	s.UpdateStatusMessage("old", &msg, "")

	clock = now.Add(-time.Hour)
	s.UpdatePresence("fresh", models.PresenceAvailable, "")

	clock = now
	require.Equal(t, 2, s.SweepStale(24*time.Hour))
	require.Equal(t, models.PresenceUnknown, s.GetPresence("old"))
	require.Nil(t, s.GetStatusMessage("old"))
	require.Equal(t, models.PresenceAvailable, s.GetPresence("fresh"))
}

func TestStats(t *testing.T) {
	s := NewStore(&fakeDurable{}, Options{})
	msg := "x"
	s.UpdatePresence("a", models.PresenceAway, "")
	s.UpdatePresence("b", models.PresenceAway, "")
	s.UpdateStatusMessage("a", &msg, "")

	st := s.Stats()
	require.Equal(t, 2, st.TotalPresenceEntries)
	require.Equal(t, 1, st.TotalMessageEntries)
	require.NotNil(t, st.LastPresenceUpdate)
	require.NotNil(t, st.LastMessageUpdate)
	require.Equal(t, 3, st.QueueLength)
}
