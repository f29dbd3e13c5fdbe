package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kabili207/phone-presence-server/pkg/models"
)

// Event type names used by the platform.
const (
	TypeURLValidation   = "endpoint.url_validation"
	TypePresenceUpdated = "user.presence_status_updated"
	TypePersonalNotes   = "user.personal_notes_updated"
)

var rosterEvents = map[string]struct{}{
	"phone.user_assigned":       {},
	"phone.user_unassigned":     {},
	"phone.common_area_created": {},
	"phone.common_area_updated": {},
	"phone.common_area_deleted": {},
}

// ErrMalformedEvent is returned for bodies that are not a well-formed event envelope.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// flexString accepts a JSON string or number. Extension ids arrive as either
// depending on the event.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// Party is one side of a call as reported in phone.* events.
type Party struct {
	ExtensionType string     `json:"extension_type"`
	ExtensionID   flexString `json:"extension_id"`
	UserID        flexString `json:"user_id"`
	PhoneNumber   string     `json:"phone_number"`
	Name          string     `json:"name"`
	DisplayName   string     `json:"display_name"`
}

// EntityID picks the tracked id for this party: the extension id for shared
// lines, otherwise the user id, falling back to the extension id.
func (p Party) EntityID() string {
	if p.ExtensionType == "commonArea" {
		return string(p.ExtensionID)
	}
	if p.UserID != "" {
		return string(p.UserID)
	}
	return string(p.ExtensionID)
}

func (p Party) counterpart() models.Counterpart {
	return models.Counterpart{
		PhoneNumber: p.PhoneNumber,
		Name:        p.Name,
		DisplayName: p.DisplayName,
	}
}

// Object is payload.object. User and phone events share the container; each
// reads only the fields it needs.
type Object struct {
	ID flexString `json:"id"`

	// user.* fields
	Email          string  `json:"email"`
	PresenceStatus string  `json:"presence_status"`
	PersonalNotes  *string `json:"personal_notes"`

	// phone.* fields
	CallID flexString `json:"call_id"`
	Party
	Caller *Party `json:"caller"`
	Callee *Party `json:"callee"`
}

// Event is one decoded webhook delivery. The concrete type identifies the variant.
type Event interface {
	EventType() string
}

// ValidationEvent is the platform's endpoint ownership challenge.
type ValidationEvent struct {
	PlainToken string
}

func (ValidationEvent) EventType() string { return TypeURLValidation }

// PresenceEvent reports a user's presence change.
type PresenceEvent struct {
	Object Object
}

func (PresenceEvent) EventType() string { return TypePresenceUpdated }

// PersonalNoteEvent reports a user's status message change.
type PersonalNoteEvent struct {
	Object Object
}

func (PersonalNoteEvent) EventType() string { return TypePersonalNotes }

// Message returns the new note, or nil when it was cleared.
func (e PersonalNoteEvent) Message() *string {
	if e.Object.PersonalNotes == nil {
		return nil
	}
	return models.StringPtr(*e.Object.PersonalNotes)
}

// CallEvent is any call-state transition in the call table.
type CallEvent struct {
	Type       string
	Object     Object
	Transition CallTransition
}

func (e CallEvent) EventType() string { return e.Type }

// CallID returns the platform's call identifier.
func (e CallEvent) CallID() string {
	if e.Object.CallID != "" {
		return string(e.Object.CallID)
	}
	return string(e.Object.ID)
}

// RosterEvent is an extension list change. The next roster poll picks it up.
type RosterEvent struct {
	Type string
}

func (e RosterEvent) EventType() string { return e.Type }

// UnhandledEvent is any event type this server does not act on.
type UnhandledEvent struct {
	Type string
}

func (e UnhandledEvent) EventType() string { return e.Type }

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type validationPayload struct {
	PlainToken string `json:"plainToken"`
}

type objectPayload struct {
	Object Object `json:"object"`
}

// ParseEvent validates body against the envelope schema for its variant and
// decodes it.
func ParseEvent(body []byte) (Event, error) {
	if err := validateSchema(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch {
	case env.Event == TypeURLValidation:
		var p validationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return ValidationEvent{PlainToken: p.PlainToken}, nil
	case isRoster(env.Event):
		return RosterEvent{Type: env.Event}, nil
	}

	transition, isCall := callTransitions[env.Event]
	if env.Event != TypePresenceUpdated && env.Event != TypePersonalNotes && !isCall {
		return UnhandledEvent{Type: env.Event}, nil
	}

	var p objectPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case TypePresenceUpdated:
		return PresenceEvent{Object: p.Object}, nil
	case TypePersonalNotes:
		return PersonalNoteEvent{Object: p.Object}, nil
	}
	return CallEvent{Type: env.Event, Object: p.Object, Transition: transition}, nil
}

func isRoster(eventType string) bool {
	_, ok := rosterEvents[eventType]
	return ok
}
