package models

import (
	"strings"
	"time"
)

// CallDirection is the direction of a call leg relative to the tracked extension.
type CallDirection string

const (
	CallInbound  CallDirection = "inbound"
	CallOutbound CallDirection = "outbound"
)

// Counterpart is the other party on a call.
type Counterpart struct {
	PhoneNumber string `json:"phone_number,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsZero reports whether no counterpart field is known.
func (c Counterpart) IsZero() bool {
	return c.PhoneNumber == "" && c.Name == "" && c.DisplayName == ""
}

// CallRecord is the ongoing call activity of one extension. A missing record
// means the extension is not on a call.
type CallRecord struct {
	EntityID    string        `json:"entity_id"`
	Status      string        `json:"status"`
	CallID      string        `json:"call_id,omitempty"`
	Direction   CallDirection `json:"direction,omitempty"`
	Counterpart Counterpart   `json:"counterpart"`
	UpdatedAt   time.Time     `json:"last_updated"`
}

// FormattedCallStatus is the display form of a CallRecord.
type FormattedCallStatus struct {
	Status    string        `json:"status"`
	Direction CallDirection `json:"direction,omitempty"`
}

// Format renders the status label, suffixed with the counterpart's number and
// upper-cased name when either is known.
func (c CallRecord) Format() FormattedCallStatus {
	status := c.Status
	if !c.Counterpart.IsZero() {
		name := c.Counterpart.DisplayName
		if name == "" {
			name = c.Counterpart.Name
		}
		status += ": " + strings.TrimSpace(c.Counterpart.PhoneNumber+" "+strings.ToUpper(name))
	}
	return FormattedCallStatus{Status: status, Direction: c.Direction}
}
