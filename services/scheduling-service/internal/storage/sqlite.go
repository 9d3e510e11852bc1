package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type appointmentRow struct {
	ID                  string    `gorm:"primaryKey"`
	PatientID           string    `gorm:"not null"`
	PractitionerID      string    `gorm:"not null;index:idx_appointments_practitioner_time,priority:1"`
	PatientName         string    `gorm:"not null;default:''"`
	AppointmentType     string    `gorm:"not null;default:''"`
	Notes               string    `gorm:"not null;default:''"`
	ScheduledAt         time.Time `gorm:"not null;index:idx_appointments_practitioner_time,priority:2"`
	PreviousScheduledAt *time.Time
	Status              string `gorm:"not null"`
	CancellationReason  string `gorm:"not null;default:''"`
	CancellationTime    *time.Time
	OriginalScheduledAt time.Time `gorm:"not null"`
	OriginalStatus      string    `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime:false"`
	Version             int64     `gorm:"not null"`
}

func (appointmentRow) TableName() string { return "appointments" }

type auditRow struct {
	ID             string    `gorm:"primaryKey"`
	AppointmentID  string    `gorm:"not null;uniqueIndex:idx_audit_appointment_version,priority:1"`
	PractitionerID string    `gorm:"not null"`
	ChangeType     string    `gorm:"not null"`
	OccurredAt     time.Time `gorm:"not null"`
	PreviousStatus string    `gorm:"not null"`
	PreviousTime   time.Time `gorm:"not null"`
	NewTime        *time.Time
	Reason         string `gorm:"not null;default:''"`
	Version        int64  `gorm:"not null;uniqueIndex:idx_audit_appointment_version,priority:2"`
}

func (auditRow) TableName() string { return "appointment_audit" }

type outboxRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	EventID        string `gorm:"not null;uniqueIndex"`
	AggregateType  string `gorm:"not null"`
	AggregateID    string `gorm:"not null"`
	PractitionerID string `gorm:"not null;default:''"`
	EventType      string `gorm:"not null"`
	Payload        []byte `gorm:"not null"`
	Traceparent    string `gorm:"not null;default:''"`
	Tracestate     string `gorm:"not null;default:''"`
	CreatedAt      time.Time
	PublishedAt    *time.Time `gorm:"index"`
}

func (outboxRow) TableName() string { return "outbox_events" }

var sqliteTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS appointment_audit_no_update
		BEFORE UPDATE ON appointment_audit
		BEGIN SELECT RAISE(ABORT, 'appointment_audit is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS appointment_audit_no_delete
		BEFORE DELETE ON appointment_audit
		BEGIN SELECT RAISE(ABORT, 'appointment_audit is append-only'); END`,
}

// SQLiteStore is the single-node store. One connection serialises writers.
type SQLiteStore struct {
	db      *gorm.DB
	claimMu sync.Mutex
}

// OpenSQLite opens dsn (a file path or ":memory:") and creates the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&appointmentRow{}, &auditRow{}, &outboxRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	for _, stmt := range sqliteTriggers {
		if err := gdb.Exec(stmt).Error; err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: gdb}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Appointment, error) {
	return getSQLite(s.db.WithContext(ctx), id)
}

func (s *SQLiteStore) QueryByRange(ctx context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error) {
	var rows []appointmentRow
	err := s.db.WithContext(ctx).
		Where("practitioner_id = ? AND scheduled_at >= ? AND scheduled_at < ?", practitionerID, model.NormalizeTime(from), model.NormalizeTime(to)).
		Order("scheduled_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classifySQLite("query_range", err)
	}
	out := make([]model.Appointment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLiteStore) ListFor(ctx context.Context, appointmentID string) ([]model.AuditRecord, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("occurred_at ASC, version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classifySQLite("list_audit", err)
	}
	out := make([]model.AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, normalizeRecord(model.AuditRecord{
			ID:             r.ID,
			AppointmentID:  r.AppointmentID,
			PractitionerID: r.PractitionerID,
			ChangeType:     model.ChangeType(r.ChangeType),
			OccurredAt:     r.OccurredAt,
			PreviousStatus: model.Status(r.PreviousStatus),
			PreviousTime:   r.PreviousTime,
			NewTime:        r.NewTime,
			Reason:         r.Reason,
			Version:        r.Version,
		}))
	}
	return out, nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&sqliteTx{db: gtx})
	})
	return classifySQLite("commit", err)
}

// ClaimBatch reads a batch, publishes it with no transaction open, then marks
// it published. Claims are serialized among themselves, so a crash between
// publish and mark only causes redelivery.
func (s *SQLiteStore) ClaimBatch(ctx context.Context, limit int, publish func([]outbox.Record) error) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var rows []outboxRow
	err := s.db.WithContext(ctx).Where("published_at IS NULL").Order("id ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return 0, classifySQLite("claim_outbox", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	records := make([]outbox.Record, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		records = append(records, outbox.Record{
			ID: r.ID,
			Event: outbox.Event{
				EventID:        r.EventID,
				AggregateType:  r.AggregateType,
				AggregateID:    r.AggregateID,
				PractitionerID: r.PractitionerID,
				EventType:      r.EventType,
				Payload:        r.Payload,
				Traceparent:    r.Traceparent,
				Tracestate:     r.Tracestate,
			},
			CreatedAt: r.CreatedAt,
		})
		ids = append(ids, r.ID)
	}

	if err := publish(records); err != nil {
		return 0, err
	}

	err = s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id IN ? AND published_at IS NULL", ids).
		Update("published_at", time.Now().UTC()).Error
	if err != nil {
		return 0, classifySQLite("mark_outbox", err)
	}
	return len(rows), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type sqliteTx struct {
	db *gorm.DB
}

func (t *sqliteTx) Get(_ context.Context, id string) (model.Appointment, error) {
	return getSQLite(t.db, id)
}

func (t *sqliteTx) Upsert(_ context.Context, appt model.Appointment, expectedVersion int64) error {
	row := appointmentRowFrom(normalizeAppointment(appt))
	if expectedVersion == 0 {
		return withAppointment(classifySQLite("insert", t.db.Create(&row).Error), appt.ID)
	}
	res := t.db.Model(&appointmentRow{}).
		Where("id = ? AND version = ?", row.ID, expectedVersion).
		Updates(map[string]any{
			"scheduled_at":          row.ScheduledAt,
			"previous_scheduled_at": row.PreviousScheduledAt,
			"status":                row.Status,
			"cancellation_reason":   row.CancellationReason,
			"cancellation_time":     row.CancellationTime,
			"notes":                 row.Notes,
			"updated_at":            row.UpdatedAt,
			"version":               row.Version,
		})
	if res.Error != nil {
		return withAppointment(classifySQLite("update", res.Error), appt.ID)
	}
	if res.RowsAffected == 0 {
		return apperr.Conflict("update", appt.ID, "")
	}
	return nil
}

func (t *sqliteTx) Append(_ context.Context, rec model.AuditRecord) error {
	rec = normalizeRecord(rec)
	row := auditRow{
		ID:             rec.ID,
		AppointmentID:  rec.AppointmentID,
		PractitionerID: rec.PractitionerID,
		ChangeType:     string(rec.ChangeType),
		OccurredAt:     rec.OccurredAt,
		PreviousStatus: string(rec.PreviousStatus),
		PreviousTime:   rec.PreviousTime,
		NewTime:        rec.NewTime,
		Reason:         rec.Reason,
		Version:        rec.Version,
	}
	return classifySQLite("append_audit", t.db.Create(&row).Error)
}

func (t *sqliteTx) Emit(_ context.Context, evt outbox.Event) error {
	row := outboxRow{
		EventID:        evt.EventID,
		AggregateType:  evt.AggregateType,
		AggregateID:    evt.AggregateID,
		PractitionerID: evt.PractitionerID,
		EventType:      evt.EventType,
		Payload:        evt.Payload,
		Traceparent:    evt.Traceparent,
		Tracestate:     evt.Tracestate,
	}
	return classifySQLite("emit", t.db.Create(&row).Error)
}

func getSQLite(gdb *gorm.DB, id string) (model.Appointment, error) {
	var row appointmentRow
	err := gdb.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Appointment{}, apperr.NotFound("get", "appointment", id)
	}
	if err != nil {
		return model.Appointment{}, classifySQLite("get", err)
	}
	return row.toModel(), nil
}

func appointmentRowFrom(a model.Appointment) appointmentRow {
	return appointmentRow{
		ID:                  a.ID,
		PatientID:           a.PatientID,
		PractitionerID:      a.PractitionerID,
		PatientName:         a.PatientName,
		AppointmentType:     a.AppointmentType,
		Notes:               a.Notes,
		ScheduledAt:         a.ScheduledAt,
		PreviousScheduledAt: a.PreviousScheduledAt,
		Status:              string(a.Status),
		CancellationReason:  a.CancellationReason,
		CancellationTime:    a.CancellationTime,
		OriginalScheduledAt: a.OriginalScheduledAt,
		OriginalStatus:      string(a.OriginalStatus),
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
		Version:             a.Version,
	}
}

func (r appointmentRow) toModel() model.Appointment {
	return normalizeAppointment(model.Appointment{
		ID:                  r.ID,
		PatientID:           r.PatientID,
		PractitionerID:      r.PractitionerID,
		PatientName:         r.PatientName,
		AppointmentType:     r.AppointmentType,
		Notes:               r.Notes,
		ScheduledAt:         r.ScheduledAt,
		PreviousScheduledAt: r.PreviousScheduledAt,
		Status:              model.Status(r.Status),
		CancellationReason:  r.CancellationReason,
		CancellationTime:    r.CancellationTime,
		OriginalScheduledAt: r.OriginalScheduledAt,
		OriginalStatus:      model.Status(r.OriginalStatus),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		Version:             r.Version,
	})
}
