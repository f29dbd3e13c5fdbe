package models

import (
	"strings"
	"time"
)

// PresenceStatus is the availability state the telephony platform reports for a user.
type PresenceStatus string

// Presence status constants
const (
	PresenceAvailable       PresenceStatus = "available"
	PresenceAway            PresenceStatus = "away"
	PresenceDoNotDisturb    PresenceStatus = "do_not_disturb"
	PresenceInMeeting       PresenceStatus = "in_meeting"
	PresencePresenting      PresenceStatus = "presenting"
	PresenceOnPhoneCall     PresenceStatus = "on_phone_call"
	PresenceInCalendarEvent PresenceStatus = "in_calendar_event"
	PresenceOffline         PresenceStatus = "offline"
	PresenceBusy            PresenceStatus = "busy"
	PresenceMobileSignedIn  PresenceStatus = "mobile_signed_in"
	PresenceOutOfOffice     PresenceStatus = "out_of_office"
	PresenceUnknown         PresenceStatus = "n/a"
)

var knownPresence = map[PresenceStatus]struct{}{
	PresenceAvailable:       {},
	PresenceAway:            {},
	PresenceDoNotDisturb:    {},
	PresenceInMeeting:       {},
	PresencePresenting:      {},
	PresenceOnPhoneCall:     {},
	PresenceInCalendarEvent: {},
	PresenceOffline:         {},
	PresenceBusy:            {},
	PresenceMobileSignedIn:  {},
	PresenceOutOfOffice:     {},
	PresenceUnknown:         {},
}

// Known reports whether the status is one of the enumerated values. The
// platform capitalizes inconsistently, so the comparison ignores case.
func (p PresenceStatus) Known() bool {
	_, ok := knownPresence[PresenceStatus(strings.ToLower(string(p)))]
	return ok
}

// NormalizeEntityID folds an entity id for in-memory lookups. Payload casing
// differs between event types for the same extension.
func NormalizeEntityID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// PresenceRecord is the current presence of a single user.
type PresenceRecord struct {
	// EntityID is the platform user id. Normalized in memory, original case in the database.
	EntityID string         `db:"user_id" json:"user_id"`
	Status   PresenceStatus `db:"presence_status" json:"presence_status"`
	Email    *string        `db:"email" json:"email"`
	// UpdatedAt is the arrival time of the last update, not the event's own timestamp
	UpdatedAt time.Time `db:"updated_at" json:"presence_updated_at"`
}

// StatusMessageRecord is the free-text status (personal note) of a user.
type StatusMessageRecord struct {
	EntityID string `db:"user_id" json:"user_id"`
	// Message is nil when the user explicitly cleared their note
	Message   *string   `db:"status_message" json:"status_message"`
	Email     *string   `db:"email" json:"email"`
	UpdatedAt time.Time `db:"updated_at" json:"status_updated_at"`
}

// UserData is the combined durable view of one user, as returned by the
// debug endpoints.
type UserData struct {
	EntityID          string     `db:"user_id" json:"user_id"`
	PresenceStatus    *string    `db:"presence_status" json:"presence_status"`
	StatusMessage     *string    `db:"status_message" json:"status_message"`
	Email             *string    `db:"email" json:"email"`
	PresenceUpdatedAt *time.Time `db:"presence_updated_at" json:"presence_updated_at"`
	StatusUpdatedAt   *time.Time `db:"status_updated_at" json:"status_updated_at"`
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
