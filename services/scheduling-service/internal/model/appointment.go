package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown appointment status %q", raw)
	}
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCancelled
}

type Appointment struct {
	ID                  string     `json:"id"`
	PatientID           string     `json:"patient_id"`
	PractitionerID      string     `json:"practitioner_id"`
	PatientName         string     `json:"patient_name,omitempty"`
	AppointmentType     string     `json:"appointment_type,omitempty"`
	Notes               string     `json:"notes,omitempty"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	PreviousScheduledAt *time.Time `json:"previous_scheduled_at,omitempty"`
	Status              Status     `json:"status"`
	CancellationReason  string     `json:"cancellation_reason,omitempty"`
	CancellationTime    *time.Time `json:"cancellation_time,omitempty"`
	OriginalScheduledAt time.Time  `json:"original_scheduled_at"`
	OriginalStatus      Status     `json:"original_status"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int64      `json:"version"`
}

// CreationState is the appointment as it was written by Create, before any
// audited transition.
func (a Appointment) CreationState() Appointment {
	return Appointment{
		ID:                  a.ID,
		PatientID:           a.PatientID,
		PractitionerID:      a.PractitionerID,
		PatientName:         a.PatientName,
		AppointmentType:     a.AppointmentType,
		Notes:               a.Notes,
		ScheduledAt:         a.OriginalScheduledAt,
		Status:              a.OriginalStatus,
		OriginalScheduledAt: a.OriginalScheduledAt,
		OriginalStatus:      a.OriginalStatus,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.CreatedAt,
		Version:             1,
	}
}

// Equal compares field by field using time.Equal.
func (a Appointment) Equal(b Appointment) bool {
	return a.ID == b.ID &&
		a.PatientID == b.PatientID &&
		a.PractitionerID == b.PractitionerID &&
		a.PatientName == b.PatientName &&
		a.AppointmentType == b.AppointmentType &&
		a.Notes == b.Notes &&
		a.ScheduledAt.Equal(b.ScheduledAt) &&
		equalTimePtr(a.PreviousScheduledAt, b.PreviousScheduledAt) &&
		a.Status == b.Status &&
		a.CancellationReason == b.CancellationReason &&
		equalTimePtr(a.CancellationTime, b.CancellationTime) &&
		a.OriginalScheduledAt.Equal(b.OriginalScheduledAt) &&
		a.OriginalStatus == b.OriginalStatus &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Version == b.Version
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// NormalizeTime drops the monotonic reading, zone and sub-microsecond part so
// values survive a round trip through every store unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
