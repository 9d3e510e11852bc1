package engine

import (
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

const (
	opCreate     = "create"
	opConfirm    = "confirm"
	opReschedule = "reschedule"
	opCancel     = "cancel"
)

// change is the outcome of an accepted transition. A nil change means the
// request was already satisfied and nothing is written.
type change struct {
	next   model.Appointment
	record model.AuditRecord
}

type applyFunc func(cur model.Appointment, now time.Time) (*change, error)

func confirmTransition(cur model.Appointment, now time.Time) (*change, error) {
	switch cur.Status {
	case model.StatusCancelled:
		return nil, apperr.InvalidState(opConfirm, cur.ID, string(cur.Status))
	case model.StatusConfirmed:
		return nil, nil
	case model.StatusPending:
		next := advance(cur, now)
		next.Status = model.StatusConfirmed
		return &change{next: next, record: recordFor(cur, next, model.ChangeConfirm, now)}, nil
	default:
		return nil, apperr.InvalidState(opConfirm, cur.ID, string(cur.Status))
	}
}

func rescheduleTransition(newTime time.Time, validator TimeValidator) applyFunc {
	return func(cur model.Appointment, now time.Time) (*change, error) {
		switch cur.Status {
		case model.StatusCancelled:
			return nil, apperr.InvalidState(opReschedule, cur.ID, string(cur.Status))
		case model.StatusPending, model.StatusConfirmed:
		default:
			return nil, apperr.InvalidState(opReschedule, cur.ID, string(cur.Status))
		}
		if err := validator.ValidateTime(newTime, now); err != nil {
			return nil, apperr.Validation(opReschedule, "scheduled_at", err.Error())
		}
		if cur.Status == model.StatusConfirmed && cur.ScheduledAt.Equal(newTime) {
			return nil, nil
		}
		next := advance(cur, now)
		prev := cur.ScheduledAt
		next.PreviousScheduledAt = &prev
		next.ScheduledAt = newTime
		next.Status = model.StatusConfirmed
		rec := recordFor(cur, next, model.ChangeReschedule, now)
		rec.NewTime = model.TimePtr(newTime)
		return &change{next: next, record: rec}, nil
	}
}

func cancelTransition(reason string) applyFunc {
	return func(cur model.Appointment, now time.Time) (*change, error) {
		switch cur.Status {
		case model.StatusCancelled:
			return nil, apperr.InvalidState(opCancel, cur.ID, string(cur.Status))
		case model.StatusPending, model.StatusConfirmed:
		default:
			return nil, apperr.InvalidState(opCancel, cur.ID, string(cur.Status))
		}
		next := advance(cur, now)
		next.Status = model.StatusCancelled
		next.CancellationReason = reason
		next.CancellationTime = model.TimePtr(now)
		rec := recordFor(cur, next, model.ChangeCancel, now)
		rec.Reason = reason
		return &change{next: next, record: rec}, nil
	}
}

func advance(cur model.Appointment, now time.Time) model.Appointment {
	next := cur
	next.UpdatedAt = now
	next.Version = cur.Version + 1
	return next
}

func recordFor(cur, next model.Appointment, ct model.ChangeType, now time.Time) model.AuditRecord {
	return model.AuditRecord{
		AppointmentID:  cur.ID,
		PractitionerID: cur.PractitionerID,
		ChangeType:     ct,
		OccurredAt:     now,
		PreviousStatus: cur.Status,
		PreviousTime:   cur.ScheduledAt,
		Version:        next.Version,
	}
}
