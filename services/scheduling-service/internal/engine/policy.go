package engine

import (
	"fmt"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

// BookingPolicy decides the status of a freshly created appointment.
type BookingPolicy struct {
	AutoConfirm bool
}

func (p BookingPolicy) InitialStatus() model.Status {
	if p.AutoConfirm {
		return model.StatusConfirmed
	}
	return model.StatusPending
}

// TimeValidator accepts or rejects a requested appointment time.
type TimeValidator interface {
	ValidateTime(at, now time.Time) error
}

type TimeValidatorFunc func(at, now time.Time) error

func (f TimeValidatorFunc) ValidateTime(at, now time.Time) error { return f(at, now) }

// NotInPast rejects times earlier than now minus grace.
func NotInPast(grace time.Duration) TimeValidator {
	return TimeValidatorFunc(func(at, now time.Time) error {
		if at.Before(now.Add(-grace)) {
			return fmt.Errorf("time %s is in the past", at.UTC().Format(time.RFC3339))
		}
		return nil
	})
}

// AnyTime accepts every non-zero time. Imports and backfills use it.
func AnyTime() TimeValidator {
	return TimeValidatorFunc(func(time.Time, time.Time) error { return nil })
}
