package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func event(id string, at time.Time, version int64, status model.Status) model.Event {
	return model.Event{
		ID:   fmt.Sprintf("%s-v%d", id, version),
		Type: model.EventRescheduled,
		Appointment: model.Appointment{
			ID:             id,
			PractitionerID: "dr-1",
			ScheduledAt:    at,
			Status:         status,
			Version:        version,
		},
	}
}

func receive(t *testing.T, s *Subscription) model.Event {
	t.Helper()
	select {
	case evt, ok := <-s.Events():
		if !ok {
			t.Fatalf("subscription ended: %v", s.Err())
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return model.Event{}
}

func waitClosed(t *testing.T, s *Subscription) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("events channel not closed")
		}
	}
}

func TestFilterMatches(t *testing.T) {
	f := Filter{PractitionerID: "dr-1", From: day, To: day.Add(24 * time.Hour)}
	moved := event("a", day.Add(48*time.Hour), 2, model.StatusConfirmed)
	moved.Appointment.PreviousScheduledAt = model.TimePtr(day.Add(9 * time.Hour))

	cases := []struct {
		name string
		evt  model.Event
		want bool
	}{
		{"inside", event("a", day.Add(9*time.Hour), 1, model.StatusPending), true},
		{"window start", event("a", day, 1, model.StatusPending), true},
		{"window end excluded", event("a", day.Add(24*time.Hour), 1, model.StatusPending), false},
		{"moved out of window", moved, true},
		{"other practitioner", func() model.Event {
			e := event("a", day.Add(time.Hour), 1, model.StatusPending)
			e.Appointment.PractitionerID = "dr-2"
			return e
		}(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Matches(tc.evt); got != tc.want {
				t.Fatalf("Matches=%v want %v", got, tc.want)
			}
		})
	}

	onlyCancelled := Filter{PractitionerID: "dr-1", Statuses: []model.Status{model.StatusCancelled}}
	if onlyCancelled.Matches(event("a", day, 1, model.StatusPending)) {
		t.Fatalf("status filter ignored")
	}
	if !onlyCancelled.Matches(event("a", day, 2, model.StatusCancelled)) {
		t.Fatalf("cancelled event filtered out")
	}

	onlyConfirmed := Filter{PractitionerID: "dr-1", Statuses: []model.Status{model.StatusConfirmed}}
	leaving := event("a", day, 3, model.StatusCancelled)
	leaving.PreviousStatus = model.StatusConfirmed
	if !onlyConfirmed.Matches(leaving) {
		t.Fatalf("cancel of a confirmed appointment not delivered to a confirmed-only viewer")
	}
	joining := event("b", day, 2, model.StatusConfirmed)
	joining.PreviousStatus = model.StatusPending
	if !(Filter{PractitionerID: "dr-1", Statuses: []model.Status{model.StatusPending}}).Matches(joining) {
		t.Fatalf("confirm of a pending appointment not delivered to a pending-only viewer")
	}
	unrelated := event("c", day, 2, model.StatusCancelled)
	unrelated.PreviousStatus = model.StatusPending
	if onlyConfirmed.Matches(unrelated) {
		t.Fatalf("pending to cancelled delivered to a confirmed-only viewer")
	}
}

func TestStatusFilteredViewerSeesAppointmentLeave(t *testing.T) {
	f := New(Options{})
	defer f.Close()
	filter := Filter{PractitionerID: "dr-1", Statuses: []model.Status{model.StatusConfirmed}}
	s, err := f.Subscribe(filter)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()
	view := NewView(filter)

	confirmed := event("a1", day, 2, model.StatusConfirmed)
	confirmed.Type = model.EventConfirmed
	confirmed.PreviousStatus = model.StatusPending
	cancelled := event("a1", day, 3, model.StatusCancelled)
	cancelled.Type = model.EventCancelled
	cancelled.PreviousStatus = model.StatusConfirmed
	for _, evt := range []model.Event{confirmed, cancelled} {
		if err := f.Publish(context.Background(), evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if !view.Apply(receive(t, s)) {
		t.Fatalf("confirm not applied")
	}
	if _, ok := view.Get("a1"); !ok {
		t.Fatalf("confirmed appointment missing from view")
	}
	if !view.Apply(receive(t, s)) {
		t.Fatalf("cancel not applied")
	}
	if _, ok := view.Get("a1"); ok {
		t.Fatalf("cancelled appointment still in a confirmed-only view")
	}
}

func TestFilterValidate(t *testing.T) {
	if err := (Filter{}).Validate(); err == nil {
		t.Fatalf("expected error without practitioner")
	}
	if err := (Filter{PractitionerID: "dr-1", From: day, To: day}).Validate(); err == nil {
		t.Fatalf("expected error for empty window")
	}
	if err := (Filter{PractitionerID: "dr-1", Statuses: []model.Status{"done"}}).Validate(); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if err := (Filter{PractitionerID: "dr-1"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	f := New(Options{})
	defer f.Close()
	s, err := f.Subscribe(Filter{PractitionerID: "dr-1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	for v := int64(1); v <= 3; v++ {
		if err := f.Publish(context.Background(), event("a", day, v, model.StatusConfirmed)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	other := event("b", day, 1, model.StatusPending)
	other.Appointment.PractitionerID = "dr-2"
	_ = f.Publish(context.Background(), other)

	var lastSeq uint64
	for v := int64(1); v <= 3; v++ {
		evt := receive(t, s)
		if evt.Appointment.Version != v || evt.Seq <= lastSeq {
			t.Fatalf("out of order: version=%d seq=%d after %d", evt.Appointment.Version, evt.Seq, lastSeq)
		}
		lastSeq = evt.Seq
	}
	select {
	case evt := <-s.Events():
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberLagsWithoutBlockingOthers(t *testing.T) {
	f := New(Options{Buffer: 1, MaxBacklog: 2})
	defer f.Close()
	slow, _ := f.Subscribe(Filter{PractitionerID: "dr-1"})

	fast, _ := f.Subscribe(Filter{PractitionerID: "dr-1"})
	seen := make(chan struct{})
	go func() {
		for range fast.Events() {
			seen <- struct{}{}
		}
	}()

	for v := int64(1); v <= 10; v++ {
		if err := f.Publish(context.Background(), event("a", day, v, model.StatusConfirmed)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast subscriber stalled at version %d", v)
		}
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("slow subscriber not terminated")
	}
	if !errors.Is(slow.Err(), ErrLagged) {
		t.Fatalf("err=%v", slow.Err())
	}
	waitClosed(t, slow)

	if f.Len() != 1 {
		t.Fatalf("len=%d", f.Len())
	}
	fast.Close()
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := New(Options{})
	s, _ := f.Subscribe(Filter{PractitionerID: "dr-1"})
	_ = f.Publish(context.Background(), event("a", day, 1, model.StatusPending))
	s.Close()
	s.Close()
	waitClosed(t, s)
	if s.Err() != nil {
		t.Fatalf("err=%v", s.Err())
	}
	if f.Len() != 0 {
		t.Fatalf("len=%d", f.Len())
	}
}

func TestFeedCloseEndsSubscriptions(t *testing.T) {
	f := New(Options{})
	s, _ := f.Subscribe(Filter{PractitionerID: "dr-1"})
	f.Close()
	waitClosed(t, s)
	if !errors.Is(s.Err(), ErrClosed) {
		t.Fatalf("err=%v", s.Err())
	}
	if _, err := f.Subscribe(Filter{PractitionerID: "dr-1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
	if err := f.Publish(context.Background(), event("a", day, 1, model.StatusPending)); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}
