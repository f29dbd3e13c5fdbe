package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/auth"
	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"github.com/kabili207/phone-presence-server/pkg/calls"
	"github.com/kabili207/phone-presence-server/pkg/models"
	"github.com/kabili207/phone-presence-server/pkg/presence"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu       sync.Mutex
	payloads []broadcast.Payload
}

func (h *recordingHub) Publish(p broadcast.Payload) broadcast.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, p)
	return broadcast.Envelope{Sequence: uint64(len(h.payloads)), Payload: p}
}

func (h *recordingHub) last(t *testing.T) broadcast.Payload {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.payloads)
	return h.payloads[len(h.payloads)-1]
}

type fixture struct {
	ingress  *Ingress
	presence *presence.Store
	calls    *calls.Store
	hub      *recordingHub
}

func newIngress(secret string) *fixture {
	f := &fixture{
		presence: presence.NewStore(nil, presence.Options{}),
		calls:    calls.NewStore(),
		hub:      &recordingHub{},
	}
	f.ingress = &Ingress{
		Verifier: auth.Verifier{Secret: secret},
		Presence: f.presence,
		Calls:    f.calls,
		Hub:      f.hub,
	}
	return f
}

func (f *fixture) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/zoom/webhook", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.ingress.ServeHTTP(rec, req)
	return rec
}

func signed(secret, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"X-Zm-Signature":         auth.Sign(secret, ts, []byte(body)),
		"X-Zm-Request-Timestamp": ts,
	}
}

func TestEndpointValidation(t *testing.T) {
	f := newIngress("shh")
	rec := f.post(t, `{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write([]byte("abc"))
	want := hex.EncodeToString(mac.Sum(nil))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "abc", resp["plainToken"])
	require.Equal(t, want, resp["encryptedToken"])
}

func TestEndpointValidationWithoutSecret(t *testing.T) {
	f := newIngress("")
	rec := f.post(t, `{"event":"endpoint.url_validation","payload":{"plainToken":"abc"}}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "error")
}

func TestSignatureEnforcement(t *testing.T) {
	body := `{"event":"user.presence_status_updated","payload":{"object":{"id":"U1","presence_status":"Away"}}}`

	t.Run("valid", func(t *testing.T) {
		f := newIngress("shh")
		rec := f.post(t, body, signed("shh", body))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, models.PresenceStatus("Away"), f.presence.GetPresence("u1"))
	})

	t.Run("generic headers", func(t *testing.T) {
		f := newIngress("shh")
		ts := "1700000000"
		rec := f.post(t, body, map[string]string{
			"X-Signature":         auth.Sign("shh", ts, []byte(body)),
			"X-Request-Timestamp": ts,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("mismatch", func(t *testing.T) {
		f := newIngress("shh")
		rec := f.post(t, body, signed("other", body))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Equal(t, models.PresenceUnknown, f.presence.GetPresence("U1"))
		require.Empty(t, f.hub.payloads)
	})

	t.Run("missing with secret", func(t *testing.T) {
		f := newIngress("shh")
		rec := f.post(t, body, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no secret accepts unsigned", func(t *testing.T) {
		f := newIngress("")
		rec := f.post(t, body, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var ack map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
		require.Equal(t, true, ack["success"])
		require.Equal(t, TypePresenceUpdated, ack["event"])
		require.NotEmpty(t, ack["timestamp"])
	})
}

func TestMalformedBody(t *testing.T) {
	f := newIngress("")
	for name, body := range map[string]string{
		"not json":       `{"event":`,
		"no event":       `{"payload":{}}`,
		"object missing": `{"event":"phone.callee_ringing","payload":{}}`,
		"token missing":  `{"event":"endpoint.url_validation","payload":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.post(t, body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp["error"])
			require.NotEmpty(t, resp["details"])
		})
	}
}

func TestCallLifecycle(t *testing.T) {
	f := newIngress("")
	caller := `"caller":{"phone_number":"+15551234","name":"jane doe","extension_type":"pstn"}`
	callee := `"callee":{"extension_type":"commonArea","extension_id":"EXT1"}`

	ringing := `{"event":"phone.callee_ringing","payload":{"object":{"call_id":"c1",` + caller + `,` + callee + `}}}`
	require.Equal(t, http.StatusOK, f.post(t, ringing, nil).Code)

	rec, ok := f.calls.GetCallStatus("ext1")
	require.True(t, ok)
	require.Equal(t, "c1", rec.CallID)
	require.Equal(t, "Incoming Call: +15551234 JANE DOE", f.calls.GetFormattedCallStatus("EXT1").Status)

	p := f.hub.last(t)
	require.Equal(t, broadcast.TypeCallStatusUpdate, p.Type())
	require.Equal(t, "EXT1", p["userId"])
	require.Equal(t, "Incoming Call: +15551234 JANE DOE", p["call_status"])
	require.Equal(t, models.CallInbound, p["call_direction"])

	answered := `{"event":"phone.callee_answered","payload":{"object":{"call_id":"c1",` + caller + `,` + callee + `}}}`
	require.Equal(t, http.StatusOK, f.post(t, answered, nil).Code)
	require.Equal(t, "On Call: +15551234 JANE DOE", f.calls.GetFormattedCallStatus("EXT1").Status)

	ended := `{"event":"phone.callee_ended","payload":{"object":{"call_id":"c1",` + caller + `,` + callee + `}}}`
	require.Equal(t, http.StatusOK, f.post(t, ended, nil).Code)
	require.Nil(t, f.calls.GetFormattedCallStatus("EXT1"))

	p = f.hub.last(t)
	require.Nil(t, p["call_status"])
	require.Len(t, f.hub.payloads, 3)
}

func TestTransferHasNoCounterpart(t *testing.T) {
	f := newIngress("")
	body := `{"event":"phone.blind_transfer_initiated","payload":{"object":{"id":"c7","user_id":"U9","phone_number":"+1999"}}}`
	require.Equal(t, http.StatusOK, f.post(t, body, nil).Code)

	rec, ok := f.calls.GetCallStatus("u9")
	require.True(t, ok)
	require.Equal(t, "c7", rec.CallID)
	require.Equal(t, "Transferring Call", f.calls.GetFormattedCallStatus("U9").Status)
	require.Nil(t, f.hub.last(t)["call_direction"])
}

func TestPersonalNotes(t *testing.T) {
	f := newIngress("")
	set := `{"event":"user.personal_notes_updated","payload":{"object":{"id":"U1","email":"a@example.com","personal_notes":"in a meeting"}}}`
	require.Equal(t, http.StatusOK, f.post(t, set, nil).Code)
	require.Equal(t, "in a meeting", *f.presence.GetStatusMessage("u1"))
	require.Equal(t, "in a meeting", f.hub.last(t)["status_message"])

	cleared := `{"event":"user.personal_notes_updated","payload":{"object":{"id":"U1","personal_notes":""}}}`
	require.Equal(t, http.StatusOK, f.post(t, cleared, nil).Code)
	require.Nil(t, f.presence.GetStatusMessage("U1"))
	require.Nil(t, f.hub.last(t)["status_message"])
}

func TestUnresolvedAndRosterEventsAreAcknowledged(t *testing.T) {
	f := newIngress("")
	for _, body := range []string{
		`{"event":"phone.callee_ringing","payload":{"object":{"call_id":"c1"}}}`,
		`{"event":"phone.user_assigned","payload":{"object":{}}}`,
		`{"event":"meeting.started","payload":{}}`,
	} {
		rec := f.post(t, body, nil)
		require.Equal(t, http.StatusOK, rec.Code, body)
	}
	require.Empty(t, f.hub.payloads)
	require.Empty(t, f.calls.GetAllActiveCalls())
}

func TestStatusOnGet(t *testing.T) {
	f := newIngress("")
	rec := httptest.NewRecorder()
	f.ingress.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/zoom/webhook", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "webhook endpoint active")
}
