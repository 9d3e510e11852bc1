package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/outbox"
)

var baseTime = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func sampleAppointment(practitionerID string, at time.Time) model.Appointment {
	created := baseTime.Add(-72 * time.Hour)
	return model.Appointment{
		ID:                  uuid.NewString(),
		PatientID:           "patient-" + uuid.NewString()[:8],
		PractitionerID:      practitionerID,
		PatientName:         "Ada Lovelace",
		Notes:               "first visit",
		ScheduledAt:         at,
		Status:              model.StatusPending,
		OriginalScheduledAt: at,
		OriginalStatus:      model.StatusPending,
		CreatedAt:           created,
		UpdatedAt:           created,
		Version:             1,
	}
}

func insert(t *testing.T, s Store, a model.Appointment) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.Upsert(context.Background(), a, 0)
	})
	if err != nil {
		t.Fatalf("insert %s: %v", a.ID, err)
	}
}

func cancelled(a model.Appointment, at time.Time) (model.Appointment, model.AuditRecord) {
	next := a
	next.Status = model.StatusCancelled
	next.CancellationReason = "patient unavailable"
	next.CancellationTime = model.TimePtr(at)
	next.UpdatedAt = at
	next.Version = a.Version + 1
	rec := model.AuditRecord{
		ID:             uuid.NewString(),
		AppointmentID:  a.ID,
		PractitionerID: a.PractitionerID,
		ChangeType:     model.ChangeCancel,
		OccurredAt:     at,
		PreviousStatus: a.Status,
		PreviousTime:   a.ScheduledAt,
		Reason:         "patient unavailable",
		Version:        next.Version,
	}
	return next, rec
}

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)

		got, err := s.Get(ctx, a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Equal(a) {
			t.Fatalf("got %+v want %+v", got, a)
		}
		if _, err := s.Get(ctx, uuid.NewString()); !apperr.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("duplicate insert conflicts", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)
		err := s.WithinTx(ctx, func(tx Tx) error { return tx.Upsert(ctx, a, 0) })
		if !apperr.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
	})

	t.Run("update and audit commit together", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)
		at := baseTime.Add(-time.Hour)
		next, rec := cancelled(a, at)

		err := s.WithinTx(ctx, func(tx Tx) error {
			cur, err := tx.Get(ctx, a.ID)
			if err != nil {
				return err
			}
			if err := tx.Upsert(ctx, next, cur.Version); err != nil {
				return err
			}
			return tx.Append(ctx, rec)
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		got, _ := s.Get(ctx, a.ID)
		if !got.Equal(next) {
			t.Fatalf("got %+v want %+v", got, next)
		}
		recs, err := s.ListFor(ctx, a.ID)
		if err != nil || len(recs) != 1 {
			t.Fatalf("records=%v err=%v", recs, err)
		}
		if recs[0].Reason != "patient unavailable" || recs[0].Version != 2 || !recs[0].PreviousTime.Equal(baseTime) {
			t.Fatalf("unexpected record %+v", recs[0])
		}
	})

	t.Run("stale version conflicts and writes nothing", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)
		next, rec := cancelled(a, baseTime)

		err := s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Append(ctx, rec); err != nil {
				return err
			}
			return tx.Upsert(ctx, next, 7)
		})
		if !apperr.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		got, _ := s.Get(ctx, a.ID)
		if !got.Equal(a) {
			t.Fatalf("row changed: %+v", got)
		}
		if recs, _ := s.ListFor(ctx, a.ID); len(recs) != 0 {
			t.Fatalf("audit written despite conflict: %v", recs)
		}
	})

	t.Run("failed callback rolls back", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)
		next, rec := cancelled(a, baseTime)
		boom := errors.New("boom")

		err := s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, next, a.Version); err != nil {
				return err
			}
			if err := tx.Append(ctx, rec); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		got, _ := s.Get(ctx, a.ID)
		if !got.Equal(a) {
			t.Fatalf("row changed: %+v", got)
		}
		if recs, _ := s.ListFor(ctx, a.ID); len(recs) != 0 {
			t.Fatalf("audit survived rollback: %v", recs)
		}
	})

	t.Run("query by range", func(t *testing.T) {
		s := newStore(t)
		dr := "dr-" + uuid.NewString()
		early := sampleAppointment(dr, baseTime)
		late := sampleAppointment(dr, baseTime.Add(2*time.Hour))
		edge := sampleAppointment(dr, baseTime.Add(3*time.Hour))
		other := sampleAppointment("dr-"+uuid.NewString(), baseTime.Add(time.Hour))
		for _, a := range []model.Appointment{late, edge, early, other} {
			insert(t, s, a)
		}
		c, rec := cancelled(late, baseTime)
		err := s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, c, late.Version); err != nil {
				return err
			}
			return tx.Append(ctx, rec)
		})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}

		got, err := s.QueryByRange(ctx, dr, baseTime, baseTime.Add(3*time.Hour))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 2 || got[0].ID != early.ID || got[1].ID != late.ID {
			t.Fatalf("unexpected range result: %+v", got)
		}
		if got[1].Status != model.StatusCancelled {
			t.Fatalf("cancelled appointment should be returned with its status, got %s", got[1].Status)
		}
	})

	t.Run("audit ordered by occurrence", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		insert(t, s, a)
		t1 := baseTime.Add(-2 * time.Hour)
		t2 := baseTime.Add(-time.Hour)

		confirmed := a
		confirmed.Status = model.StatusConfirmed
		confirmed.UpdatedAt = t1
		confirmed.Version = 2
		confirmRec := model.AuditRecord{ID: uuid.NewString(), AppointmentID: a.ID, PractitionerID: a.PractitionerID,
			ChangeType: model.ChangeConfirm, OccurredAt: t1, PreviousStatus: model.StatusPending, PreviousTime: baseTime, Version: 2}
		c, cancelRec := cancelled(confirmed, t2)

		err := s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, confirmed, 1); err != nil {
				return err
			}
			return tx.Append(ctx, confirmRec)
		})
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		err = s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, c, 2); err != nil {
				return err
			}
			return tx.Append(ctx, cancelRec)
		})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}

		recs, err := s.ListFor(ctx, a.ID)
		if err != nil || len(recs) != 2 {
			t.Fatalf("records=%v err=%v", recs, err)
		}
		if recs[0].ChangeType != model.ChangeConfirm || recs[1].ChangeType != model.ChangeCancel {
			t.Fatalf("wrong order: %v, %v", recs[0].ChangeType, recs[1].ChangeType)
		}
	})

	t.Run("outbox claimed once", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		evt, err := outbox.FromDomain(ctx, model.Event{ID: uuid.NewString(), Type: model.EventCreated, Appointment: a})
		if err != nil {
			t.Fatalf("event: %v", err)
		}
		err = s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, a, 0); err != nil {
				return err
			}
			return tx.Emit(ctx, evt)
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}

		var seen []outbox.Record
		collect := func(rs []outbox.Record) error {
			for _, r := range rs {
				if r.AggregateID == a.ID {
					seen = append(seen, r)
				}
			}
			return nil
		}
		for {
			n, err := s.ClaimBatch(ctx, 100, collect)
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if n == 0 {
				break
			}
		}
		if len(seen) != 1 || seen[0].EventType != "scheduling.appointment.created.v1" || seen[0].EventID != evt.EventID {
			t.Fatalf("seen=%+v", seen)
		}
	})

	t.Run("publish does not hold up reads or commits", func(t *testing.T) {
		s := newStore(t)
		a := sampleAppointment("dr-"+uuid.NewString(), baseTime)
		evt, err := outbox.FromDomain(ctx, model.Event{ID: uuid.NewString(), Type: model.EventCreated, Appointment: a})
		if err != nil {
			t.Fatalf("event: %v", err)
		}
		err = s.WithinTx(ctx, func(tx Tx) error {
			if err := tx.Upsert(ctx, a, 0); err != nil {
				return err
			}
			return tx.Emit(ctx, evt)
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}

		entered := make(chan struct{})
		release := make(chan struct{})
		claimed := make(chan error, 1)
		go func() {
			_, err := s.ClaimBatch(ctx, 100, func([]outbox.Record) error {
				close(entered)
				<-release
				return nil
			})
			claimed <- err
		}()
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("publish never started")
		}

		done := make(chan error, 1)
		go func() {
			if _, err := s.Get(ctx, a.ID); err != nil {
				done <- err
				return
			}
			if _, err := s.QueryByRange(ctx, a.PractitionerID, baseTime.Add(-time.Hour), baseTime.Add(time.Hour)); err != nil {
				done <- err
				return
			}
			done <- s.WithinTx(ctx, func(tx Tx) error {
				return tx.Upsert(ctx, sampleAppointment(a.PractitionerID, baseTime.Add(time.Hour)), 0)
			})
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("store call during publish: %v", err)
			}
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("store calls waited for the broker write")
		}

		close(release)
		if err := <-claimed; err != nil {
			t.Fatalf("claim: %v", err)
		}
		n, err := s.ClaimBatch(ctx, 100, func([]outbox.Record) error { return nil })
		if err != nil || n != 0 {
			t.Fatalf("second claim n=%d err=%v", n, err)
		}
	})
}
