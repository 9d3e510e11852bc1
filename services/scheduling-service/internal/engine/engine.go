// Package engine is the only writer of appointment state. It runs the state
// machine, commits the appointment row, its audit record and the outbox event
// in one storage transaction, then hands the committed change to the feed and
// the notifier.
package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/patients"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type TxRunner interface {
	WithinTx(ctx context.Context, fn func(storage.Tx) error) error
}

// Publisher receives every committed change, in commit order per appointment.
type Publisher interface {
	Publish(ctx context.Context, evt model.Event) error
}

// Notifier is fire-and-forget. It must not block.
type Notifier interface {
	Notify(ctx context.Context, evt model.Event)
}

type Options struct {
	Policy BookingPolicy
	// Validator checks reschedule targets. NotInPast(5m) when nil.
	Validator TimeValidator
	// CreateValidator checks the time of new appointments. AnyTime when nil.
	CreateValidator TimeValidator
	Retry           RetryConfig
	Publisher       Publisher
	Notifier        Notifier
	Logger          *slog.Logger
	Clock           func() time.Time
	NewID           func() string
}

type Engine struct {
	store           TxRunner
	patients        patients.Directory
	policy          BookingPolicy
	validator       TimeValidator
	createValidator TimeValidator
	retry           RetryConfig
	publisher       Publisher
	notifier        Notifier
	logger          *slog.Logger
	clock           func() time.Time
	newID           func() string
	locks           *keyedLocks
	tracer          trace.Tracer
}

func New(store TxRunner, dir patients.Directory, opts Options) *Engine {
	if opts.Validator == nil {
		opts.Validator = NotInPast(5 * time.Minute)
	}
	if opts.CreateValidator == nil {
		opts.CreateValidator = AnyTime()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Engine{
		store:           store,
		patients:        dir,
		policy:          opts.Policy,
		validator:       opts.Validator,
		createValidator: opts.CreateValidator,
		retry:           opts.Retry.withDefaults(),
		publisher:       opts.Publisher,
		notifier:        opts.Notifier,
		logger:          opts.Logger,
		clock:           opts.Clock,
		newID:           opts.NewID,
		locks:           newKeyedLocks(),
		tracer:          otel.Tracer("scheduling-service/engine"),
	}
}

type CreateRequest struct {
	PatientID       string
	ScheduledAt     time.Time
	Notes           string
	AppointmentType string
}

func (e *Engine) Create(ctx context.Context, practitionerID string, req CreateRequest) (model.Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+opCreate, trace.WithAttributes(attribute.String("practitioner.id", practitionerID)))
	defer span.End()

	appt, err := e.create(ctx, practitionerID, req)
	if err != nil {
		recordErr(span, err)
		return model.Appointment{}, err
	}
	span.SetAttributes(attribute.String("appointment.id", appt.ID))
	return appt, nil
}

func (e *Engine) create(ctx context.Context, practitionerID string, req CreateRequest) (model.Appointment, error) {
	practitionerID = strings.TrimSpace(practitionerID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if practitionerID == "" {
		return model.Appointment{}, apperr.Validation(opCreate, "practitioner_id", "practitioner id is required")
	}
	if req.PatientID == "" {
		return model.Appointment{}, apperr.Validation(opCreate, "patient_id", "patient id is required")
	}
	if req.ScheduledAt.IsZero() {
		return model.Appointment{}, apperr.Validation(opCreate, "scheduled_at", "scheduled time is required")
	}
	scheduledAt := model.NormalizeTime(req.ScheduledAt)
	now := model.NormalizeTime(e.clock())
	if err := e.createValidator.ValidateTime(scheduledAt, now); err != nil {
		return model.Appointment{}, apperr.Validation(opCreate, "scheduled_at", err.Error())
	}

	patient, err := e.patients.ResolvePatient(ctx, req.PatientID)
	if err != nil {
		return model.Appointment{}, apperr.WithContext(err, opCreate, "")
	}
	if patient.PractitionerID != "" && patient.PractitionerID != practitionerID {
		return model.Appointment{}, apperr.NotFound(opCreate, "patient", req.PatientID)
	}

	status := e.policy.InitialStatus()
	appt := model.Appointment{
		ID:                  e.newID(),
		PatientID:           req.PatientID,
		PractitionerID:      practitionerID,
		PatientName:         patient.DisplayName,
		AppointmentType:     strings.TrimSpace(req.AppointmentType),
		Notes:               req.Notes,
		ScheduledAt:         scheduledAt,
		Status:              status,
		OriginalScheduledAt: scheduledAt,
		OriginalStatus:      status,
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}
	evt := model.Event{ID: e.newID(), Type: model.EventCreated, OccurredAt: now, Appointment: appt}

	_, err = retryTransient(ctx, e.retry, e.logger, opCreate, func() (struct{}, error) {
		return struct{}{}, e.store.WithinTx(ctx, func(tx storage.Tx) error {
			if err := tx.Upsert(ctx, appt, 0); err != nil {
				return err
			}
			return e.emit(ctx, tx, evt)
		})
	})
	if err != nil {
		return model.Appointment{}, apperr.WithContext(err, opCreate, appt.ID)
	}

	e.logger.Info("appointment created",
		"appointment_id", appt.ID,
		"practitioner_id", practitionerID,
		"patient_id", appt.PatientID,
		"status", string(appt.Status),
	)
	e.afterCommit(ctx, evt)
	return appt, nil
}

// Confirm moves a pending appointment to confirmed. Confirming a confirmed
// appointment returns it unchanged.
func (e *Engine) Confirm(ctx context.Context, practitionerID, appointmentID string) (model.Appointment, error) {
	return e.transition(ctx, opConfirm, practitionerID, appointmentID, confirmTransition)
}

// Reschedule moves the appointment to newTime and confirms it. Rescheduling a
// confirmed appointment to its current time returns it unchanged.
func (e *Engine) Reschedule(ctx context.Context, practitionerID, appointmentID string, newTime time.Time) (model.Appointment, error) {
	if newTime.IsZero() {
		return model.Appointment{}, apperr.Validation(opReschedule, "scheduled_at", "new time is required")
	}
	return e.transition(ctx, opReschedule, practitionerID, appointmentID, rescheduleTransition(model.NormalizeTime(newTime), e.validator))
}

// Cancel is terminal. The reason is stored as given, empty included.
func (e *Engine) Cancel(ctx context.Context, practitionerID, appointmentID, reason string) (model.Appointment, error) {
	return e.transition(ctx, opCancel, practitionerID, appointmentID, cancelTransition(reason))
}

func (e *Engine) transition(ctx context.Context, op, practitionerID, appointmentID string, apply applyFunc) (model.Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("practitioner.id", practitionerID),
	))
	defer span.End()

	appt, err := e.runTransition(ctx, op, strings.TrimSpace(practitionerID), strings.TrimSpace(appointmentID), apply)
	if err != nil {
		recordErr(span, err)
		return model.Appointment{}, err
	}
	return appt, nil
}

func (e *Engine) runTransition(ctx context.Context, op, practitionerID, appointmentID string, apply applyFunc) (model.Appointment, error) {
	if practitionerID == "" {
		return model.Appointment{}, apperr.Validation(op, "practitioner_id", "practitioner id is required")
	}
	if appointmentID == "" {
		return model.Appointment{}, apperr.Validation(op, "appointment_id", "appointment id is required")
	}

	unlock, ok := e.locks.TryLock(appointmentID)
	if !ok {
		return model.Appointment{}, apperr.Conflict(op, appointmentID, "another change to this appointment is in progress")
	}
	defer unlock()

	var committed *model.Event
	appt, err := retryTransient(ctx, e.retry, e.logger, op, func() (model.Appointment, error) {
		committed = nil
		var out model.Appointment
		err := e.store.WithinTx(ctx, func(tx storage.Tx) error {
			cur, err := tx.Get(ctx, appointmentID)
			if err != nil {
				return err
			}
			if cur.PractitionerID != practitionerID {
				return apperr.NotFound(op, "appointment", appointmentID)
			}
			now := model.NormalizeTime(e.clock())
			ch, err := apply(cur, now)
			if err != nil {
				return err
			}
			if ch == nil {
				out = cur
				return nil
			}

			ch.record.ID = e.newID()
			if err := tx.Upsert(ctx, ch.next, cur.Version); err != nil {
				return err
			}
			if err := tx.Append(ctx, ch.record); err != nil {
				return err
			}
			evt := model.Event{
				ID:             e.newID(),
				Type:           model.EventTypeFor(ch.record.ChangeType),
				OccurredAt:     now,
				PreviousStatus: cur.Status,
				Appointment:    ch.next,
			}
			if err := e.emit(ctx, tx, evt); err != nil {
				return err
			}
			out = ch.next
			committed = &evt
			return nil
		})
		return out, err
	})
	if err != nil {
		return model.Appointment{}, apperr.WithContext(err, op, appointmentID)
	}

	if committed != nil {
		e.logger.Info("appointment "+string(committed.Type),
			"appointment_id", appointmentID,
			"practitioner_id", practitionerID,
			"status", string(appt.Status),
			"version", appt.Version,
		)
		// Publishing while the key is held keeps per-appointment feed order equal to commit order.
		e.afterCommit(ctx, *committed)
	}
	return appt, nil
}

func (e *Engine) emit(ctx context.Context, tx storage.Tx, evt model.Event) error {
	ob, err := outbox.FromDomain(ctx, evt)
	if err != nil {
		return err
	}
	return tx.Emit(ctx, ob)
}

func (e *Engine) afterCommit(ctx context.Context, evt model.Event) {
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, evt); err != nil {
			e.logger.Warn("change feed publish failed",
				"appointment_id", evt.Appointment.ID,
				"event_type", string(evt.Type),
				"err", err,
			)
		}
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, evt)
	}
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.KindOf(err).String())
}
