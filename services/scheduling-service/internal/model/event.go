package model

import "time"

type EventType string

const (
	EventCreated     EventType = "created"
	EventConfirmed   EventType = "confirmed"
	EventRescheduled EventType = "rescheduled"
	EventCancelled   EventType = "cancelled"
)

// Event is a committed change as seen by observers. Seq is assigned by the
// feed in publish order and is zero until then. PreviousStatus is the status
// before the change and is empty for creations.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	Seq            uint64      `json:"seq,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
	PreviousStatus Status      `json:"previous_status,omitempty"`
	Appointment    Appointment `json:"appointment"`
}

func EventTypeFor(change ChangeType) EventType {
	switch change {
	case ChangeConfirm:
		return EventConfirmed
	case ChangeReschedule:
		return EventRescheduled
	case ChangeCancel:
		return EventCancelled
	default:
		return ""
	}
}
