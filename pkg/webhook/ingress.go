package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/auth"
	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"github.com/kabili207/phone-presence-server/pkg/metrics"
	"github.com/kabili207/phone-presence-server/pkg/models"
)

const DefaultMaxBodyBytes = 1 << 20

// PresenceWriter receives presence and status message changes.
type PresenceWriter interface {
	UpdatePresence(id string, status models.PresenceStatus, email string)
	UpdateStatusMessage(id string, message *string, email string)
}

// CallWriter receives call state changes.
type CallWriter interface {
	UpdateCallStatus(id, status, callID string, direction models.CallDirection, counterpart models.Counterpart) models.CallRecord
	ClearCallStatus(id string) bool
}

// Publisher announces a change to live consumers.
type Publisher interface {
	Publish(p broadcast.Payload) broadcast.Envelope
}

// Ingress is the HTTP entry point for platform webhook deliveries.
type Ingress struct {
	Verifier     auth.Verifier
	MaxBodyBytes int64
	Presence     PresenceWriter
	Calls        CallWriter
	Hub          Publisher
	Logger       *slog.Logger
	Now          func() time.Time
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type ackResponse struct {
	Success   bool   `json:"success"`
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

type validationResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

func (in *Ingress) log() *slog.Logger {
	if in.Logger == nil {
		return slog.Default()
	}
	return in.Logger
}

func (in *Ingress) now() time.Time {
	if in.Now == nil {
		return time.Now().UTC()
	}
	return in.Now().UTC()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// signatureHeaders returns the signature and timestamp, accepting both the
// generic and the platform-native header names.
func signatureHeaders(r *http.Request) (string, string) {
	sig := r.Header.Get("X-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Zm-Signature")
	}
	ts := r.Header.Get("X-Request-Timestamp")
	if ts == "" {
		ts = r.Header.Get("X-Zm-Request-Timestamp")
	}
	return sig, ts
}

func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "webhook endpoint active",
			"message":   "webhooks should be sent as POST requests",
			"timestamp": in.now().Format(time.RFC3339Nano),
		})
		return
	}

	limit := in.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("", "malformed").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		in.log().Warn("rejecting malformed webhook", "error", err)
		metrics.WebhookEvents.WithLabelValues("", "malformed").Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid event", Details: err.Error()})
		return
	}

	if v, ok := event.(ValidationEvent); ok {
		in.validate(w, v)
		return
	}

	if in.Verifier.Enabled() {
		sig, ts := signatureHeaders(r)
		if err := in.Verifier.Verify(sig, ts, body); err != nil {
			in.log().Warn("rejecting webhook", "event", event.EventType(), "error", err, "remote_host", r.RemoteAddr)
			metrics.WebhookEvents.WithLabelValues(event.EventType(), "unauthorized").Inc()
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid signature", Details: err.Error()})
			return
		}
	}

	outcome := in.Dispatch(event)
	metrics.WebhookEvents.WithLabelValues(event.EventType(), outcome).Inc()

	writeJSON(w, http.StatusOK, ackResponse{
		Success:   true,
		Event:     event.EventType(),
		Timestamp: in.now().Format(time.RFC3339Nano),
	})
}

func (in *Ingress) validate(w http.ResponseWriter, v ValidationEvent) {
	if !in.Verifier.Enabled() {
		in.log().Error("endpoint validation requested but no webhook secret is configured")
		metrics.WebhookEvents.WithLabelValues(TypeURLValidation, "misconfigured").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:   "Webhook secret not configured",
			Details: "endpoint validation requires a webhook secret token",
		})
		return
	}
	in.log().Info("answering endpoint validation")
	metrics.WebhookEvents.WithLabelValues(TypeURLValidation, "validated").Inc()
	writeJSON(w, http.StatusOK, validationResponse{
		PlainToken:     v.PlainToken,
		EncryptedToken: auth.EncryptToken(in.Verifier.Secret, v.PlainToken),
	})
}

// Dispatch applies an authenticated event to the stores and publishes the
// change. It returns the outcome label recorded for the event.
func (in *Ingress) Dispatch(event Event) string {
	log := in.log().With("event", event.EventType())

	switch e := event.(type) {
	case PresenceEvent:
		id, ok := ResolveEntity(e.EventType(), &e.Object)
		if !ok {
			log.Warn("could not resolve entity for presence update")
			return "unresolved"
		}
		status := models.PresenceStatus(e.Object.PresenceStatus)
		if !status.Known() {
			log.Debug("unrecognized presence status", "presence_status", status)
		}
		in.Presence.UpdatePresence(id, status, e.Object.Email)
		in.Hub.Publish(broadcast.PresenceUpdate(id, status, models.StringPtr(e.Object.Email), in.now()))
		log.Debug("updated presence", "user_id", id, "presence_status", status)
		return "applied"

	case PersonalNoteEvent:
		id, ok := ResolveEntity(e.EventType(), &e.Object)
		if !ok {
			log.Warn("could not resolve entity for status message update")
			return "unresolved"
		}
		msg := e.Message()
		in.Presence.UpdateStatusMessage(id, msg, e.Object.Email)
		in.Hub.Publish(broadcast.StatusMessageUpdate(id, msg, in.now()))
		log.Debug("updated status message", "user_id", id, "cleared", msg == nil)
		return "applied"

	case CallEvent:
		return in.dispatchCall(log, e)

	case RosterEvent:
		log.Info("extension list changed; picked up by the next roster poll")
		return "roster"

	case UnhandledEvent:
		log.Info("unhandled webhook event")
		return "unhandled"
	}

	log.Error("no dispatcher for event", "variant", fmt.Sprintf("%T", event))
	return "unhandled"
}

func (in *Ingress) dispatchCall(log *slog.Logger, e CallEvent) string {
	id, ok := ResolveEntity(e.Type, &e.Object)
	if !ok {
		log.Warn("could not resolve entity for call event")
		return "unresolved"
	}

	if e.Transition.Terminal {
		cleared := in.Calls.ClearCallStatus(id)
		in.Hub.Publish(broadcast.CallStatusUpdate(id, nil, in.now()))
		log.Debug("cleared call status", "user_id", id, "had_call", cleared)
		return "applied"
	}

	var counterpart models.Counterpart
	if !e.Transition.NoCounterpart {
		counterpart = Counterpart(e.Type, &e.Object)
	}
	rec := in.Calls.UpdateCallStatus(id, e.Transition.Label, e.CallID(), e.Transition.Direction, counterpart)
	formatted := rec.Format()
	in.Hub.Publish(broadcast.CallStatusUpdate(id, &formatted, in.now()))
	log.Debug("updated call status", "user_id", id, "call_status", formatted.Status)
	return "applied"
}
