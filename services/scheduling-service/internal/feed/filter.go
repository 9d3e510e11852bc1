package feed

import (
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

// Filter selects the events a subscriber receives. Zero From or To leaves
// that side of the window open.
type Filter struct {
	PractitionerID string
	From           time.Time
	To             time.Time
	Statuses       []model.Status
}

func (f Filter) Validate() error {
	if f.PractitionerID == "" {
		return apperr.Validation("subscribe", "practitioner_id", "practitioner id is required")
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return apperr.Validation("subscribe", "to", "window end must be after its start")
	}
	for _, s := range f.Statuses {
		if _, err := model.ParseStatus(string(s)); err != nil {
			return apperr.Validation("subscribe", "status", err.Error())
		}
	}
	return nil
}

// Matches reports whether evt concerns this subscriber: the new state belongs
// in the view, or the prior state did. An appointment that moved out of the
// window or out of the status set still matches, so a viewer learns that it
// left.
func (f Filter) Matches(evt model.Event) bool {
	a := evt.Appointment
	if a.PractitionerID != f.PractitionerID {
		return false
	}
	if f.Includes(a) {
		return true
	}
	prior := evt.PreviousStatus
	if prior == "" {
		prior = a.Status
	}
	if !f.hasStatus(prior) {
		return false
	}
	return f.InWindow(a.ScheduledAt) || (a.PreviousScheduledAt != nil && f.InWindow(*a.PreviousScheduledAt))
}

// Project keeps the appointments a view built with this filter would hold.
func (f Filter) Project(appts []model.Appointment) []model.Appointment {
	out := make([]model.Appointment, 0, len(appts))
	for _, a := range appts {
		if f.Includes(a) {
			out = append(out, a)
		}
	}
	return out
}

// Includes reports whether the appointment belongs in a view built with this filter.
func (f Filter) Includes(a model.Appointment) bool {
	return a.PractitionerID == f.PractitionerID && f.InWindow(a.ScheduledAt) && f.hasStatus(a.Status)
}

// InWindow checks the half-open interval [From, To).
func (f Filter) InWindow(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Before(f.To) {
		return false
	}
	return true
}

func (f Filter) hasStatus(s model.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if want == s {
			return true
		}
	}
	return false
}
