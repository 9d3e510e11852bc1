package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
)

// MemoryStore keeps everything in process. Transactions stage their writes and
// apply them under one lock at commit after re-checking versions.
type MemoryStore struct {
	claimMu sync.Mutex

	mu        sync.RWMutex
	appts     map[string]model.Appointment
	audit     map[string][]model.AuditRecord
	outbox    []outbox.Record
	published int
	nextID    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appts: make(map[string]model.Appointment),
		audit: make(map[string][]model.AuditRecord),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, apperr.NotFound("get", "appointment", id)
	}
	return a, nil
}

func (s *MemoryStore) QueryByRange(_ context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Appointment
	for _, a := range s.appts {
		if a.PractitionerID != practitionerID {
			continue
		}
		if a.ScheduledAt.Before(from) || !a.ScheduledAt.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListFor(_ context.Context, appointmentID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := append([]model.AuditRecord(nil), s.audit[appointmentID]...)
	sortAudit(recs)
	return recs, nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memoryTx{store: s, staged: make(map[string]stagedAppt)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range tx.staged {
		cur, exists := s.appts[id]
		switch {
		case st.expected == 0 && exists:
			return apperr.Conflict("commit", id, "appointment already exists")
		case st.expected != 0 && (!exists || cur.Version != st.expected):
			return apperr.Conflict("commit", id, "")
		}
	}
	for id, st := range tx.staged {
		s.appts[id] = st.appt
	}
	for _, rec := range tx.records {
		s.audit[rec.AppointmentID] = append(s.audit[rec.AppointmentID], rec)
	}
	for _, evt := range tx.events {
		s.nextID++
		s.outbox = append(s.outbox, outbox.Record{ID: s.nextID, Event: evt, CreatedAt: time.Now().UTC()})
	}
	return nil
}

// ClaimBatch hands out records in insertion order. publish runs without the
// store lock; claims are serialized among themselves.
func (s *MemoryStore) ClaimBatch(_ context.Context, limit int, publish func([]outbox.Record) error) (int, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.RLock()
	start := s.published
	end := start + limit
	if end > len(s.outbox) {
		end = len(s.outbox)
	}
	batch := append([]outbox.Record(nil), s.outbox[start:end]...)
	s.mu.RUnlock()
	if len(batch) == 0 {
		return 0, nil
	}

	if err := publish(batch); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.published = end
	s.mu.Unlock()
	return len(batch), nil
}

// Outbox returns a copy of every emitted record, published or not.
func (s *MemoryStore) Outbox() []outbox.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]outbox.Record(nil), s.outbox...)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type stagedAppt struct {
	appt     model.Appointment
	expected int64
}

type memoryTx struct {
	store   *MemoryStore
	staged  map[string]stagedAppt
	records []model.AuditRecord
	events  []outbox.Event
}

func (tx *memoryTx) Get(ctx context.Context, id string) (model.Appointment, error) {
	if st, ok := tx.staged[id]; ok {
		return st.appt, nil
	}
	return tx.store.Get(ctx, id)
}

func (tx *memoryTx) Upsert(_ context.Context, appt model.Appointment, expectedVersion int64) error {
	if prev, ok := tx.staged[appt.ID]; ok {
		expectedVersion = prev.expected
	}
	tx.staged[appt.ID] = stagedAppt{appt: appt, expected: expectedVersion}
	return nil
}

func (tx *memoryTx) Append(_ context.Context, rec model.AuditRecord) error {
	tx.records = append(tx.records, rec)
	return nil
}

func (tx *memoryTx) Emit(_ context.Context, evt outbox.Event) error {
	tx.events = append(tx.events, evt)
	return nil
}

func sortAudit(recs []model.AuditRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].OccurredAt.Equal(recs[j].OccurredAt) {
			return recs[i].OccurredAt.Before(recs[j].OccurredAt)
		}
		return recs[i].Version < recs[j].Version
	})
}
