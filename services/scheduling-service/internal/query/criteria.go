package query

import (
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

// Criteria narrows a range read. Empty fields do not filter.
type Criteria struct {
	From     time.Time
	To       time.Time
	Statuses []model.Status
	// Search matches case-insensitively against patient name, patient id,
	// notes and appointment type.
	Search string
	Type   string
}

func (c Criteria) Validate() error {
	for _, st := range c.Statuses {
		if _, err := model.ParseStatus(string(st)); err != nil {
			return apperr.Validation(opQuery, "status", err.Error())
		}
	}
	return nil
}

func (c Criteria) Matches(a model.Appointment) bool {
	if len(c.Statuses) > 0 {
		found := false
		for _, st := range c.Statuses {
			if a.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if t := strings.TrimSpace(c.Type); t != "" && !strings.EqualFold(a.AppointmentType, t) {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(c.Search))
	if term == "" {
		return true
	}
	for _, field := range []string{a.PatientName, a.PatientID, a.Notes, a.AppointmentType} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}
