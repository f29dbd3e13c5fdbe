package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/kabili207/phone-presence-server/pkg/presence"
)

type recordingDurable struct {
	mu       sync.Mutex
	presence []models.PresenceRecord
}

func (d *recordingDurable) LoadAll(context.Context) ([]models.PresenceRecord, []models.StatusMessageRecord, error) {
	return nil, nil, nil
}

func (d *recordingDurable) UpsertPresence(_ context.Context, records []models.PresenceRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence = append(d.presence, records...)
	return nil
}

func (d *recordingDurable) UpsertStatusMessages(context.Context, []models.StatusMessageRecord) error {
	return nil
}

func (d *recordingDurable) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.presence))
	for _, rec := range d.presence {
		out = append(out, rec.EntityID)
	}
	return out
}

func TestWritesFromInFlightRequestsSurviveShutdown(t *testing.T) {
	durable := &recordingDurable{}
	store := presence.NewStore(durable, presence.Options{WriteInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	serve := func(ctx context.Context) error {
		store.UpdatePresence("early", models.PresenceAway, "")
		<-ctx.Done()
		// a request finishing while the server drains
		time.Sleep(20 * time.Millisecond)
		store.UpdatePresence("late", models.PresenceBusy, "")
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- serveAndDrain(ctx, serve, store.Run) }()
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveAndDrain did not return")
	}
	require.Contains(t, durable.ids(), "late")
	require.Contains(t, durable.ids(), "early")
	require.Zero(t, store.QueueLength())
}
