package storage

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptschedule/libs/db"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the postgres schema files.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type PostgresStore struct {
	pool    *db.Pool
	outbox  *outbox.Repository
	batcher outbox.Batcher
}

func NewPostgresStore(pool *db.Pool) *PostgresStore {
	repo := outbox.NewRepository()
	return &PostgresStore{pool: pool, outbox: repo, batcher: outbox.NewPostgresBatcher(pool, repo)}
}

func (s *PostgresStore) Migrate(ctx context.Context) (int, error) {
	return db.Migrate(ctx, s.pool, Migrations())
}

const appointmentColumns = `id, patient_id, practitioner_id, patient_name, appointment_type, notes,
	scheduled_at, previous_scheduled_at, status, cancellation_reason, cancellation_time,
	original_scheduled_at, original_status, created_at, updated_at, version`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status, originalStatus string
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PractitionerID,
		&a.PatientName,
		&a.AppointmentType,
		&a.Notes,
		&a.ScheduledAt,
		&a.PreviousScheduledAt,
		&status,
		&a.CancellationReason,
		&a.CancellationTime,
		&a.OriginalScheduledAt,
		&originalStatus,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Version,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	if a.Status, err = model.ParseStatus(status); err != nil {
		return model.Appointment{}, err
	}
	if a.OriginalStatus, err = model.ParseStatus(originalStatus); err != nil {
		return model.Appointment{}, err
	}
	return normalizeAppointment(a), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, apperr.NotFound("get", "appointment", id)
	}
	return a, classifyPG("get", err)
}

func (s *PostgresStore) QueryByRange(ctx context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
			AND scheduled_at >= $2
			AND scheduled_at < $3
		ORDER BY scheduled_at ASC, id ASC
	`, practitionerID, from, to)
	if err != nil {
		return nil, classifyPG("query_range", err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classifyPG("query_range", err)
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, classifyPG("query_range", rows.Err())
	}
	return appts, nil
}

func (s *PostgresStore) ListFor(ctx context.Context, appointmentID string) ([]model.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, practitioner_id, change_type, occurred_at, previous_status,
			previous_time, new_time, reason, version
		FROM appointment_audit
		WHERE appointment_id = $1
		ORDER BY occurred_at ASC, version ASC
	`, appointmentID)
	if err != nil {
		return nil, classifyPG("list_audit", err)
	}
	defer rows.Close()

	var recs []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var changeType, prevStatus string
		if err := rows.Scan(&rec.ID, &rec.AppointmentID, &rec.PractitionerID, &changeType, &rec.OccurredAt,
			&prevStatus, &rec.PreviousTime, &rec.NewTime, &rec.Reason, &rec.Version); err != nil {
			return nil, classifyPG("list_audit", err)
		}
		rec.ChangeType = model.ChangeType(changeType)
		rec.PreviousStatus = model.Status(prevStatus)
		recs = append(recs, normalizeRecord(rec))
	}
	if rows.Err() != nil {
		return nil, classifyPG("list_audit", rows.Err())
	}
	return recs, nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	err := s.pool.InTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, outbox: s.outbox})
	})
	return classifyPG("commit", err)
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int, publish func([]outbox.Record) error) (int, error) {
	return s.batcher.ClaimBatch(ctx, limit, publish)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) Get(ctx context.Context, id string) (model.Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, apperr.NotFound("get", "appointment", id)
	}
	if err != nil {
		return model.Appointment{}, withAppointment(classifyPG("lock", err), id)
	}
	return a, nil
}

func (t *pgTx) Upsert(ctx context.Context, appt model.Appointment, expectedVersion int64) error {
	appt = normalizeAppointment(appt)
	if expectedVersion == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO appointments (`+appointmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, appt.ID, appt.PatientID, appt.PractitionerID, appt.PatientName, appt.AppointmentType, appt.Notes,
			appt.ScheduledAt, appt.PreviousScheduledAt, string(appt.Status), appt.CancellationReason, appt.CancellationTime,
			appt.OriginalScheduledAt, string(appt.OriginalStatus), appt.CreatedAt, appt.UpdatedAt, appt.Version)
		return withAppointment(classifyPG("insert", err), appt.ID)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
			previous_scheduled_at = $3,
			status = $4,
			cancellation_reason = $5,
			cancellation_time = $6,
			notes = $7,
			updated_at = $8,
			version = $9
		WHERE id = $1 AND version = $10
	`, appt.ID, appt.ScheduledAt, appt.PreviousScheduledAt, string(appt.Status), appt.CancellationReason,
		appt.CancellationTime, appt.Notes, appt.UpdatedAt, appt.Version, expectedVersion)
	if err != nil {
		return withAppointment(classifyPG("update", err), appt.ID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("update", appt.ID, "")
	}
	return nil
}

func (t *pgTx) Append(ctx context.Context, rec model.AuditRecord) error {
	rec = normalizeRecord(rec)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointment_audit
			(id, appointment_id, practitioner_id, change_type, occurred_at, previous_status, previous_time, new_time, reason, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.AppointmentID, rec.PractitionerID, string(rec.ChangeType), rec.OccurredAt, string(rec.PreviousStatus),
		rec.PreviousTime, rec.NewTime, rec.Reason, rec.Version)
	return classifyPG("append_audit", err)
}

func (t *pgTx) Emit(ctx context.Context, evt outbox.Event) error {
	return classifyPG("emit", t.outbox.Insert(ctx, t.tx, evt))
}

func withAppointment(err error, id string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.AppointmentID == "" && ae.Kind == apperr.KindConflict {
		cp := *ae
		cp.AppointmentID = id
		return &cp
	}
	return err
}

func normalizeAppointment(a model.Appointment) model.Appointment {
	a.ScheduledAt = model.NormalizeTime(a.ScheduledAt)
	a.OriginalScheduledAt = model.NormalizeTime(a.OriginalScheduledAt)
	a.CreatedAt = model.NormalizeTime(a.CreatedAt)
	a.UpdatedAt = model.NormalizeTime(a.UpdatedAt)
	a.PreviousScheduledAt = normalizePtr(a.PreviousScheduledAt)
	a.CancellationTime = normalizePtr(a.CancellationTime)
	return a
}

func normalizeRecord(r model.AuditRecord) model.AuditRecord {
	r.OccurredAt = model.NormalizeTime(r.OccurredAt)
	r.PreviousTime = model.NormalizeTime(r.PreviousTime)
	r.NewTime = normalizePtr(r.NewTime)
	return r
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := model.NormalizeTime(*t)
	return &n
}
