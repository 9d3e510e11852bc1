// Package query is the read side used by calendar and list views. It never
// writes; every call names the practitioner whose appointments it reads.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const opQuery = "query"

type Service struct {
	store  storage.AppointmentStore
	audit  storage.AuditLog
	tracer trace.Tracer
}

func New(store storage.AppointmentStore, audit storage.AuditLog) *Service {
	return &Service{store: store, audit: audit, tracer: otel.Tracer("scheduling-service/query")}
}

// QueryByRange returns appointments with from <= scheduled_at < to, cancelled
// ones included, ordered by time.
func (s *Service) QueryByRange(ctx context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "query.range", trace.WithAttributes(attribute.String("practitioner.id", practitionerID)))
	defer span.End()

	practitionerID = strings.TrimSpace(practitionerID)
	if err := validateRange(practitionerID, from, to); err != nil {
		return nil, err
	}
	out, err := s.store.QueryByRange(ctx, practitionerID, model.NormalizeTime(from), model.NormalizeTime(to))
	if err != nil {
		span.RecordError(err)
		return nil, apperr.WithContext(err, opQuery, "")
	}
	span.SetAttributes(attribute.Int("appointments", len(out)))
	return out, nil
}

// QueryByDay covers one calendar day in loc. Days shortened or stretched by a
// daylight saving change are covered exactly.
func (s *Service) QueryByDay(ctx context.Context, practitionerID string, date time.Time, loc *time.Location) ([]model.Appointment, error) {
	from, to := DayBounds(date, loc)
	return s.QueryByRange(ctx, practitionerID, from, to)
}

// DayBounds returns the start of date's calendar day in loc and the start of the next one.
func DayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// QueryByStatusFilter reads the range and then applies criteria.
func (s *Service) QueryByStatusFilter(ctx context.Context, practitionerID string, c Criteria) ([]model.Appointment, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	all, err := s.QueryByRange(ctx, practitionerID, c.From, c.To)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if c.Matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Get returns an appointment the practitioner owns. Someone else's
// appointment is reported as not found.
func (s *Service) Get(ctx context.Context, practitionerID, id string) (model.Appointment, error) {
	practitionerID = strings.TrimSpace(practitionerID)
	id = strings.TrimSpace(id)
	if practitionerID == "" {
		return model.Appointment{}, apperr.Validation(opQuery, "practitioner_id", "practitioner id is required")
	}
	if id == "" {
		return model.Appointment{}, apperr.Validation(opQuery, "appointment_id", "appointment id is required")
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, apperr.WithContext(err, opQuery, id)
	}
	if a.PractitionerID != practitionerID {
		return model.Appointment{}, apperr.NotFound(opQuery, "appointment", id)
	}
	return a, nil
}

// AuditTrail returns the appointment's records in the order they happened.
func (s *Service) AuditTrail(ctx context.Context, practitionerID, id string) ([]model.AuditRecord, error) {
	if _, err := s.Get(ctx, practitionerID, id); err != nil {
		return nil, err
	}
	recs, err := s.audit.ListFor(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, apperr.WithContext(err, opQuery, id)
	}
	return recs, nil
}

func validateRange(practitionerID string, from, to time.Time) error {
	if practitionerID == "" {
		return apperr.Validation(opQuery, "practitioner_id", "practitioner id is required")
	}
	if from.IsZero() {
		return apperr.Validation(opQuery, "from", "range start is required")
	}
	if to.IsZero() {
		return apperr.Validation(opQuery, "to", "range end is required")
	}
	if !from.Before(to) {
		return apperr.Validation(opQuery, "to", "range end must be after its start")
	}
	return nil
}
