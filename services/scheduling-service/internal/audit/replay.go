// Package audit rebuilds appointment state from its audit trail.
package audit

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

var ErrHistoryMismatch = errors.New("audit history does not match appointment")

// Replay applies records in order to the creation state and returns the
// resulting appointment. It refuses histories that could not have been
// produced by the state machine.
func Replay(initial model.Appointment, records []model.AuditRecord) (model.Appointment, error) {
	cur := initial
	for i, rec := range records {
		if rec.AppointmentID != cur.ID {
			return model.Appointment{}, fmt.Errorf("record %d belongs to %s, not %s", i, rec.AppointmentID, cur.ID)
		}
		if cur.Status.Terminal() {
			return model.Appointment{}, fmt.Errorf("record %d (%s) follows cancellation", i, rec.ChangeType)
		}
		if rec.Version != cur.Version+1 {
			return model.Appointment{}, fmt.Errorf("record %d has version %d, expected %d", i, rec.Version, cur.Version+1)
		}
		if !rec.PreviousTime.Equal(cur.ScheduledAt) {
			return model.Appointment{}, fmt.Errorf("record %d previous time %s != %s", i, rec.PreviousTime, cur.ScheduledAt)
		}

		switch rec.ChangeType {
		case model.ChangeConfirm:
			if cur.Status != model.StatusPending {
				return model.Appointment{}, fmt.Errorf("record %d confirms a %s appointment", i, cur.Status)
			}
			cur.Status = model.StatusConfirmed
		case model.ChangeReschedule:
			if rec.NewTime == nil {
				return model.Appointment{}, fmt.Errorf("record %d is a reschedule without a new time", i)
			}
			prev := cur.ScheduledAt
			cur.PreviousScheduledAt = &prev
			cur.ScheduledAt = *rec.NewTime
			cur.Status = model.StatusConfirmed
		case model.ChangeCancel:
			occurred := rec.OccurredAt
			cur.Status = model.StatusCancelled
			cur.CancellationReason = rec.Reason
			cur.CancellationTime = &occurred
		default:
			return model.Appointment{}, fmt.Errorf("record %d has unknown change type %q", i, rec.ChangeType)
		}
		cur.UpdatedAt = rec.OccurredAt
		cur.Version = rec.Version
	}
	return cur, nil
}

// Verify checks that replaying records from current's creation state yields current.
func Verify(current model.Appointment, records []model.AuditRecord) error {
	replayed, err := Replay(current.CreationState(), records)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryMismatch, err)
	}
	if !replayed.Equal(current) {
		return fmt.Errorf("%w: replayed %+v, stored %+v", ErrHistoryMismatch, replayed, current)
	}
	return nil
}
