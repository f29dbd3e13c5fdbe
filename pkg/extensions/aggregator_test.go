package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/kabili207/phone-presence-server/pkg/calls"
	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/kabili207/phone-presence-server/pkg/presence"
	"github.com/kabili207/phone-presence-server/pkg/zoom"
	"github.com/stretchr/testify/require"
)

type fakeRoster struct {
	users      []zoom.RosterEntry
	areas      []zoom.RosterEntry
	areasErr   error
	userFetch  atomic.Int32
	phoneFetch atomic.Int32
}

func (f *fakeRoster) ListPhoneUsers(context.Context) ([]zoom.RosterEntry, error) {
	return f.users, nil
}

func (f *fakeRoster) ListCommonAreas(context.Context) ([]zoom.RosterEntry, error) {
	return f.areas, f.areasErr
}

func (f *fakeRoster) GetUser(_ context.Context, id string) (zoom.RosterEntry, error) {
	f.userFetch.Add(1)
	return zoom.RosterEntry{"id": id, "email": "ann@example.com", "name": "profile"}, nil
}

func (f *fakeRoster) GetPhoneUser(_ context.Context, id string) (zoom.RosterEntry, error) {
	f.phoneFetch.Add(1)
	return zoom.RosterEntry{"id": id, "name": "phone", "extension_number": json.Number("1001")}, nil
}

func (f *fakeRoster) GetCommonArea(_ context.Context, id string) (zoom.RosterEntry, error) {
	return zoom.RosterEntry{"id": id, "display_name": "Lobby"}, nil
}

func newFixture() (*fakeRoster, *presence.Store, *calls.Store, *Aggregator) {
	roster := &fakeRoster{
		users: []zoom.RosterEntry{{"id": "U1", "name": "Ann"}, {"id": "U2", "name": "Bob"}},
		areas: []zoom.RosterEntry{{"id": "CA1", "display_name": "Lobby"}},
	}
	ps := presence.NewStore(nil, presence.Options{})
	cs := calls.NewStore()
	return roster, ps, cs, NewAggregator(roster, ps, cs, Options{})
}

func TestListOverlaysState(t *testing.T) {
	_, ps, cs, agg := newFixture()

	ps.UpdatePresence("u1", models.PresenceAway, "")
	msg := "lunch"
	ps.UpdateStatusMessage("U1", &msg, "")
	ps.UpdatePresence("ca1", models.PresenceOffline, "")
	cs.UpdateCallStatus("CA1", "Incoming Call", "c1", models.CallInbound,
		models.Counterpart{PhoneNumber: "+15551234", Name: "jane"})

	exts, err := agg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, exts, 3)

	u1 := exts[0]
	require.Equal(t, "U1", u1.ID)
	require.Equal(t, models.ExtensionUser, u1.Type)
	require.Equal(t, models.PresenceAway, u1.PresenceStatus)
	require.Equal(t, "lunch", *u1.StatusMessage)
	require.NotNil(t, u1.PresenceUpdatedAt)
	require.NotNil(t, u1.StatusUpdatedAt)
	require.Nil(t, u1.CallStatus)

	u2 := exts[1]
	require.Equal(t, models.PresenceUnknown, u2.PresenceStatus)
	require.Nil(t, u2.StatusMessage)
	require.Nil(t, u2.PresenceUpdatedAt)

	ca := exts[2]
	require.Equal(t, models.ExtensionCommonArea, ca.Type)
	require.Equal(t, models.PresenceAvailable, ca.PresenceStatus, "common areas are always available")
	require.Nil(t, ca.StatusMessage)
	require.NotNil(t, ca.PresenceUpdatedAt)
	require.Nil(t, ca.StatusUpdatedAt)
	require.Equal(t, "Incoming Call: +15551234 JANE", *ca.CallStatus)
	require.Equal(t, models.CallInbound, *ca.CallDirection)

	raw, err := json.Marshal(ca)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "Lobby", doc["display_name"])
	require.Equal(t, "common_area", doc["type"])
	require.Nil(t, doc["status_message"])
}

func TestListFailsWhenEitherFetchFails(t *testing.T) {
	roster, _, _, agg := newFixture()
	roster.areasErr = &zoom.UpstreamError{Op: "list_common_areas", StatusCode: 503}

	_, err := agg.List(context.Background())
	var ue *zoom.UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, 503, ue.StatusCode)
}

func TestTransferHasNoDirection(t *testing.T) {
	_, _, cs, agg := newFixture()
	cs.UpdateCallStatus("U2", "Transferring Call", "c9", "", models.Counterpart{})

	exts, err := agg.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Transferring Call", *exts[1].CallStatus)
	require.Nil(t, exts[1].CallDirection)
}

func TestDetailsMergesAndCaches(t *testing.T) {
	roster, ps, _, agg := newFixture()
	ps.UpdatePresence("U1", models.PresenceDoNotDisturb, "")

	ext, err := agg.Details(context.Background(), "U1", models.ExtensionUser)
	require.NoError(t, err)
	require.Equal(t, "phone", ext.Fields["name"], "phone profile wins over the account profile")
	require.Equal(t, "ann@example.com", ext.Fields["email"])
	require.Equal(t, models.PresenceDoNotDisturb, ext.PresenceStatus)

	_, err = agg.Details(context.Background(), "U1", models.ExtensionUser)
	require.NoError(t, err)
	require.Equal(t, int32(1), roster.userFetch.Load())
	require.Equal(t, int32(1), roster.phoneFetch.Load())

	area, err := agg.Details(context.Background(), "CA1", models.ExtensionCommonArea)
	require.NoError(t, err)
	require.Equal(t, models.PresenceAvailable, area.PresenceStatus)

	_, err = agg.Details(context.Background(), "X", "desk")
	require.ErrorIs(t, err, ErrUnknownType)
}
