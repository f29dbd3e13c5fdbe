package models

import (
	"encoding/json"
	"time"
)

// ExtensionType distinguishes personal extensions from shared lines.
type ExtensionType string

const (
	ExtensionUser       ExtensionType = "user"
	ExtensionCommonArea ExtensionType = "common_area"
)

// Extension is a roster entry from the telephony platform overlaid with the
// live presence and call state held in memory.
type Extension struct {
	// Fields holds the upstream roster document as received
	Fields map[string]any

	ID                string
	Type              ExtensionType
	PresenceStatus    PresenceStatus
	StatusMessage     *string
	CallStatus        *string
	CallDirection     *CallDirection
	PresenceUpdatedAt *time.Time
	StatusUpdatedAt   *time.Time
}

// MarshalJSON flattens the upstream fields and the overlay into one object.
// Overlay keys win over upstream keys of the same name.
func (e Extension) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+8)
	for k, v := range e.Fields {
		out[k] = v
	}
	if e.ID != "" {
		out["id"] = e.ID
	}
	out["type"] = e.Type
	out["presence_status"] = e.PresenceStatus
	out["status_message"] = e.StatusMessage
	out["call_status"] = e.CallStatus
	out["call_direction"] = e.CallDirection
	out["presence_updated_at"] = e.PresenceUpdatedAt
	out["status_updated_at"] = e.StatusUpdatedAt
	return json.Marshal(out)
}
