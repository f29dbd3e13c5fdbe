package broadcast

import (
	"time"

	"github.com/kabili207/phone-presence-server/pkg/models"
)

func stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}

// PresenceUpdate describes a presence change.
func PresenceUpdate(userID string, status models.PresenceStatus, email *string, at time.Time) Payload {
	p := Payload{
		"type":            TypePresenceUpdate,
		"userId":          userID,
		"presence_status": status,
		"timestamp":       stamp(at),
	}
	if email != nil {
		p["email"] = *email
	}
	return p
}

// StatusMessageUpdate describes a status message change. A nil message is
// sent as JSON null.
func StatusMessageUpdate(userID string, message *string, at time.Time) Payload {
	var msg any
	if message != nil {
		msg = *message
	}
	return Payload{
		"type":           TypeStatusMessageUpdate,
		"userId":         userID,
		"status_message": msg,
		"timestamp":      stamp(at),
	}
}

// CallStatusUpdate describes a call change. A nil status means the call ended.
func CallStatusUpdate(userID string, status *models.FormattedCallStatus, at time.Time) Payload {
	var label, direction any
	if status != nil {
		label = status.Status
		if status.Direction != "" {
			direction = status.Direction
		}
	}
	return Payload{
		"type":           TypeCallStatusUpdate,
		"userId":         userID,
		"call_status":    label,
		"call_direction": direction,
		"timestamp":      stamp(at),
	}
}
