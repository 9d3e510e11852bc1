package feed_test

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/engine"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/feed"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/patients"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/query"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/storage"
)

func TestLateSubscriberResyncsFromRangeQuery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	changes := feed.New(feed.Options{})
	defer changes.Close()
	eng := engine.New(store, patients.NewStaticDirectory(patients.Patient{ID: "p1", DisplayName: "Ada"}), engine.Options{
		Publisher: changes,
		Clock:     func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
	reads := query.New(store, store)

	from := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(48 * time.Hour)
	filter := feed.Filter{PractitionerID: "dr-1", From: from, To: to}

	early, err := changes.Subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer early.Close()
	view := feed.NewView(filter)

	a, err := eng.Create(ctx, "dr-1", engine.CreateRequest{PatientID: "p1", ScheduledAt: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.Confirm(ctx, "dr-1", a.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := eng.Reschedule(ctx, "dr-1", a.ID, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, err := eng.Cancel(ctx, "dr-1", a.ID, "patient unavailable"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var last model.Event
	for i := 0; i < 4; i++ {
		select {
		case last = <-early.Events():
			view.Apply(last)
			// Redelivery changes nothing.
			if view.Apply(last) {
				t.Fatalf("duplicate event changed the view")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	if last.Type != model.EventCancelled {
		t.Fatalf("last event %s", last.Type)
	}
	if got, ok := view.Get(a.ID); !ok || got.Status != model.StatusCancelled {
		t.Fatalf("view=%+v", got)
	}

	snapshot, err := reads.QueryByRange(ctx, "dr-1", from, to)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	late := feed.NewView(filter)
	late.Reset(snapshot)
	got, ok := late.Get(a.ID)
	if !ok || got.Status != model.StatusCancelled || got.CancellationReason != "patient unavailable" {
		t.Fatalf("resynced view=%+v", got)
	}
	if !got.Equal(last.Appointment) {
		t.Fatalf("resync disagrees with the feed")
	}
}
