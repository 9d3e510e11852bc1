package model

import "time"

type ChangeType string

const (
	ChangeConfirm    ChangeType = "confirm"
	ChangeReschedule ChangeType = "reschedule"
	ChangeCancel     ChangeType = "cancel"
)

// AuditRecord describes one accepted transition. Records are written once and
// never changed.
type AuditRecord struct {
	ID             string     `json:"id"`
	AppointmentID  string     `json:"appointment_id"`
	PractitionerID string     `json:"practitioner_id"`
	ChangeType     ChangeType `json:"change_type"`
	OccurredAt     time.Time  `json:"occurred_at"`
	PreviousStatus Status     `json:"previous_status"`
	PreviousTime   time.Time  `json:"previous_time"`
	NewTime        *time.Time `json:"new_time,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	// Version is the appointment version produced by this transition.
	Version int64 `json:"version"`
}
