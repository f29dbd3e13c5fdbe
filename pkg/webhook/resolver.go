package webhook

import (
	"strings"

	"github.com/kabili207/phone-presence-server/pkg/models"
)

// CallTransition describes what a call event does to the Call Store.
type CallTransition struct {
	// Label is the status shown on the dashboard. Empty for terminal events.
	Label     string
	Direction models.CallDirection
	// Terminal transitions delete the call record
	Terminal bool
	// NoCounterpart transitions never carry other-party info
	NoCounterpart bool
}

var callTransitions = map[string]CallTransition{
	"phone.callee_ringing":  {Label: "Incoming Call", Direction: models.CallInbound},
	"phone.callee_answered": {Label: "On Call", Direction: models.CallInbound},
	"phone.callee_hold":     {Label: "Call on Hold", Direction: models.CallInbound},
	"phone.callee_unhold":   {Label: "On Call", Direction: models.CallInbound},
	"phone.callee_ended":    {Terminal: true},
	"phone.callee_missed":   {Terminal: true},
	"phone.callee_rejected": {Terminal: true},

	"phone.caller_ringing":          {Label: "Calling", Direction: models.CallOutbound},
	"phone.caller_connected":        {Label: "On Call", Direction: models.CallOutbound},
	"phone.caller_hold":             {Label: "Call on Hold", Direction: models.CallOutbound},
	"phone.caller_unhold":           {Label: "On Call", Direction: models.CallOutbound},
	"phone.caller_ended":            {Terminal: true},
	"phone.caller_meeting_inviting": {Label: "Inviting to Meeting", Direction: models.CallOutbound},

	"phone.blind_transfer_initiated":             {Label: "Transferring Call", NoCounterpart: true},
	"phone.transfer_call_to_voicemail_initiated": {Label: "Transferring to Voicemail", NoCounterpart: true},
}

// LookupTransition returns the call table entry for an event type.
func LookupTransition(eventType string) (CallTransition, bool) {
	t, ok := callTransitions[eventType]
	return t, ok
}

// ResolveEntity maps an event to the id of the extension it concerns. It
// returns false when the event lacks the sub-object the id lives in; callers
// drop such events.
func ResolveEntity(eventType string, obj *Object) (string, bool) {
	if obj == nil {
		return "", false
	}

	var id string
	switch {
	case strings.HasPrefix(eventType, "user."):
		id = string(obj.ID)
	case strings.HasPrefix(eventType, "phone."):
		party := subject(eventType, obj)
		if party == nil {
			return "", false
		}
		id = party.EntityID()
	}

	if id == "" {
		return "", false
	}
	return id, true
}

// subject returns the party the event is about.
func subject(eventType string, obj *Object) *Party {
	switch {
	case strings.Contains(eventType, "callee"):
		return obj.Callee
	case strings.Contains(eventType, "caller"):
		return obj.Caller
	}
	return &obj.Party
}

// Counterpart returns the other party on the call from the subject's view.
func Counterpart(eventType string, obj *Object) models.Counterpart {
	if obj == nil {
		return models.Counterpart{}
	}
	var other *Party
	switch {
	case strings.Contains(eventType, "callee"):
		other = obj.Caller
	case strings.Contains(eventType, "caller"):
		other = obj.Callee
	}
	if other == nil {
		return models.Counterpart{}
	}
	return other.counterpart()
}
