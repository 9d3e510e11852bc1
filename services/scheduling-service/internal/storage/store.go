// Package storage keeps appointment rows, their audit trail and the outbox.
// Writes happen only through Tx, which Store hands out to the engine.
package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
)

// AppointmentStore is the read side of appointment storage.
type AppointmentStore interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	// QueryByRange returns practitionerID's appointments with from <= scheduled_at < to,
	// cancelled ones included, ordered by scheduled_at.
	QueryByRange(ctx context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error)
}

// AuditLog is the read side of the audit trail. There is no way to change or
// remove a record once appended.
type AuditLog interface {
	// ListFor returns records ordered by occurred_at, then version.
	ListFor(ctx context.Context, appointmentID string) ([]model.AuditRecord, error)
}

// Tx groups the writes of one transition. Nothing is visible to readers until
// the function passed to WithinTx returns nil and the commit succeeds.
type Tx interface {
	// Get reads the row for update. Stores that lock rows fail fast with a
	// conflict when another transaction holds the lock.
	Get(ctx context.Context, id string) (model.Appointment, error)
	// Upsert inserts appt when expectedVersion is 0, otherwise updates the row
	// only if its stored version still equals expectedVersion.
	Upsert(ctx context.Context, appt model.Appointment, expectedVersion int64) error
	Append(ctx context.Context, rec model.AuditRecord) error
	Emit(ctx context.Context, evt outbox.Event) error
}

type Store interface {
	AppointmentStore
	AuditLog
	outbox.Batcher
	WithinTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
