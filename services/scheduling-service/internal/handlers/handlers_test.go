package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/engine"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/feed"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/patients"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/query"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/storage"
)

type testServer struct {
	*httptest.Server
	feed *feed.Feed
	eng  *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	changes := feed.New(feed.Options{Logger: logger})
	dir := patients.NewStaticDirectory(patients.Patient{ID: "p1", DisplayName: "Ada Lovelace"})
	eng := engine.New(store, dir, engine.Options{
		Publisher: changes,
		Logger:    logger,
		Clock:     func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) },
	})
	reads := query.New(store, store)

	mux := http.NewServeMux()
	NewAppointmentsHandler(eng, reads, logger).Register(mux)
	NewFeedHandler(changes, reads, logger).Register(mux)
	srv := httptest.NewServer(httpx.WithRequestID(mux))
	t.Cleanup(func() {
		changes.Close()
		srv.Close()
	})
	return &testServer{Server: srv, feed: changes, eng: eng}
}

func (s *testServer) do(t *testing.T, method, path, practitioner string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if practitioner != "" {
		req.Header.Set(httpx.PractitionerHeader, practitioner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func (s *testServer) create(t *testing.T, at string) model.Appointment {
	t.Helper()
	resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments", "dr-1", map[string]string{
		"patient_id": "p1", "scheduled_at": at, "notes": "first visit",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", resp.StatusCode, raw)
	}
	return decodeInto[model.Appointment](t, raw)
}

func TestAppointmentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, "2025-03-10T14:00:00Z")
	if a.Status != model.StatusPending || a.PatientName != "Ada Lovelace" {
		t.Fatalf("created=%+v", a)
	}

	resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/confirm", "dr-1", nil)
	if resp.StatusCode != http.StatusOK || decodeInto[model.Appointment](t, raw).Status != model.StatusConfirmed {
		t.Fatalf("confirm status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reschedule", "dr-1", map[string]string{"scheduled_at": "2025-03-11T09:00:00Z"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reschedule status=%d body=%s", resp.StatusCode, raw)
	}
	moved := decodeInto[model.Appointment](t, raw)
	if moved.PreviousScheduledAt == nil || !moved.PreviousScheduledAt.Equal(time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("moved=%+v", moved)
	}

	resp, raw = s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/cancel", "dr-1", map[string]string{"reason": "patient unavailable"})
	if resp.StatusCode != http.StatusOK || decodeInto[model.Appointment](t, raw).CancellationReason != "patient unavailable" {
		t.Fatalf("cancel status=%d body=%s", resp.StatusCode, raw)
	}

	resp, raw = s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/reschedule", "dr-1", map[string]string{"scheduled_at": "2025-03-12T09:00:00Z"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reschedule after cancel status=%d body=%s", resp.StatusCode, raw)
	}
	body := decodeInto[httpx.ErrorBody](t, raw)
	if body.Code != "invalid_state" || body.CurrentStatus != "cancelled" || body.Operation != "reschedule" || body.AppointmentID != a.ID {
		t.Fatalf("error body=%+v", body)
	}
	if !strings.Contains(body.Message, "cannot reschedule a cancelled appointment") {
		t.Fatalf("message=%q", body.Message)
	}

	resp, raw = s.do(t, http.MethodGet, "/api/v1/appointments/"+a.ID+"/audit", "dr-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status=%d", resp.StatusCode)
	}
	trail := decodeInto[auditResponse](t, raw)
	if len(trail.Records) != 3 || trail.Records[2].ChangeType != model.ChangeCancel {
		t.Fatalf("trail=%+v", trail)
	}
}

func TestRequestErrors(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, "2025-03-10T14:00:00Z")

	cases := []struct {
		name         string
		method, path string
		practitioner string
		body         any
		status       int
		code, field  string
	}{
		{"missing identity", http.MethodGet, "/api/v1/appointments/" + a.ID, "", nil, http.StatusUnauthorized, "unauthenticated", ""},
		{"bad time", http.MethodPost, "/api/v1/appointments", "dr-1", map[string]string{"patient_id": "p1", "scheduled_at": "tomorrow"}, http.StatusBadRequest, "validation", "scheduled_at"},
		{"reschedule into the past", http.MethodPost, "/api/v1/appointments/" + a.ID + "/reschedule", "dr-1", map[string]string{"scheduled_at": "2024-01-01T00:00:00Z"}, http.StatusBadRequest, "validation", "scheduled_at"},
		{"unknown field", http.MethodPost, "/api/v1/appointments", "dr-1", map[string]string{"patient": "p1"}, http.StatusBadRequest, "validation", ""},
		{"unknown patient", http.MethodPost, "/api/v1/appointments", "dr-1", map[string]string{"patient_id": "p9", "scheduled_at": "2025-03-10T14:00:00Z"}, http.StatusNotFound, "not_found", ""},
		{"unknown appointment", http.MethodPost, "/api/v1/appointments/nope/confirm", "dr-1", nil, http.StatusNotFound, "not_found", ""},
		{"someone else's appointment", http.MethodGet, "/api/v1/appointments/" + a.ID, "dr-2", nil, http.StatusNotFound, "not_found", ""},
		{"missing range", http.MethodGet, "/api/v1/appointments?from=2025-03-10T00:00:00Z", "dr-1", nil, http.StatusBadRequest, "validation", "to"},
		{"bad day", http.MethodGet, "/api/v1/appointments/day?date=10/03/2025", "dr-1", nil, http.StatusBadRequest, "validation", "date"},
		{"bad zone", http.MethodGet, "/api/v1/appointments/day?date=2025-03-10&tz=Mars/Olympus", "dr-1", nil, http.StatusBadRequest, "validation", "tz"},
		{"bad status", http.MethodGet, "/api/v1/appointments/search?from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z&status=done", "dr-1", nil, http.StatusBadRequest, "validation", "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := s.do(t, tc.method, tc.path, tc.practitioner, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.status, raw)
			}
			body := decodeInto[httpx.ErrorBody](t, raw)
			if body.Code != tc.code || body.Field != tc.field {
				t.Fatalf("body=%+v", body)
			}
		})
	}
}

func TestCancelWithoutBody(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, "2025-03-10T14:00:00Z")
	resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/cancel", "dr-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	if got := decodeInto[model.Appointment](t, raw); got.Status != model.StatusCancelled || got.CancellationReason != "" {
		t.Fatalf("got=%+v", got)
	}
}

func TestListingEndpoints(t *testing.T) {
	s := newTestServer(t)
	morning := s.create(t, "2025-03-10T09:00:00Z")
	s.create(t, "2025-03-10T15:00:00Z")
	s.create(t, "2025-03-11T09:00:00Z")
	s.do(t, http.MethodPost, "/api/v1/appointments/"+morning.ID+"/confirm", "dr-1", nil)

	count := func(path string) int {
		t.Helper()
		resp, raw := s.do(t, http.MethodGet, path, "dr-1", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, resp.StatusCode, raw)
		}
		return len(decodeInto[listResponse](t, raw).Appointments)
	}
	if n := count("/api/v1/appointments?from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z"); n != 2 {
		t.Fatalf("range=%d", n)
	}
	if n := count("/api/v1/appointments/day?date=2025-03-11"); n != 1 {
		t.Fatalf("day=%d", n)
	}
	if n := count("/api/v1/appointments/search?from=2025-03-10T00:00:00Z&to=2025-03-12T00:00:00Z&status=confirmed"); n != 1 {
		t.Fatalf("search by status=%d", n)
	}
	if n := count("/api/v1/appointments/search?from=2025-03-10T00:00:00Z&to=2025-03-12T00:00:00Z&q=ADA"); n != 3 {
		t.Fatalf("search by name=%d", n)
	}

	resp, raw := s.do(t, http.MethodGet, "/api/v1/appointments?from=2025-04-01T00:00:00Z&to=2025-04-02T00:00:00Z", "dr-1", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"appointments":[]`) {
		t.Fatalf("empty range body=%s", raw)
	}
}

func dialFeed(t *testing.T, s *testServer, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/feed?" + query
	header := http.Header{}
	header.Set(httpx.PractitionerHeader, "dr-1")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg FeedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestFeedSnapshotThenEvents(t *testing.T) {
	s := newTestServer(t)
	a := s.create(t, "2025-03-10T14:00:00Z")

	conn := dialFeed(t, s, "from=2025-03-10T00:00:00Z&to=2025-03-12T00:00:00Z")
	snap := readFrame(t, conn)
	if snap.Type != MessageSnapshot || len(snap.Appointments) != 1 || snap.Appointments[0].ID != a.ID {
		t.Fatalf("snapshot=%+v", snap)
	}
	view := feed.NewView(feed.Filter{
		PractitionerID: "dr-1",
		From:           time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
	})
	view.Reset(snap.Appointments)

	resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+a.ID+"/cancel", "dr-1", map[string]string{"reason": "patient unavailable"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", resp.StatusCode, raw)
	}
	msg := readFrame(t, conn)
	if msg.Type != MessageEvent || msg.Event == nil || msg.Event.Type != model.EventCancelled {
		t.Fatalf("frame=%+v", msg)
	}
	if !view.Apply(*msg.Event) {
		t.Fatalf("event not applied")
	}
	if got, _ := view.Get(a.ID); got.Status != model.StatusCancelled {
		t.Fatalf("view status=%s", got.Status)
	}
}

func TestStatusFilteredFeed(t *testing.T) {
	s := newTestServer(t)
	pending := s.create(t, "2025-03-10T09:00:00Z")
	booked := s.create(t, "2025-03-10T14:00:00Z")
	if resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+booked.ID+"/confirm", "dr-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", resp.StatusCode, raw)
	}

	conn := dialFeed(t, s, "from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z&status=confirmed")
	snap := readFrame(t, conn)
	if snap.Type != MessageSnapshot || len(snap.Appointments) != 1 || snap.Appointments[0].ID != booked.ID {
		t.Fatalf("snapshot=%+v", snap)
	}
	view := feed.NewView(feed.Filter{
		PractitionerID: "dr-1",
		From:           time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		To:             time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		Statuses:       []model.Status{model.StatusConfirmed},
	})
	view.Reset(snap.Appointments)

	if resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+booked.ID+"/cancel", "dr-1", map[string]string{"reason": "clinic closed"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", resp.StatusCode, raw)
	}
	msg := readFrame(t, conn)
	if msg.Type != MessageEvent || msg.Event == nil || msg.Event.Appointment.ID != booked.ID || msg.Event.PreviousStatus != model.StatusConfirmed {
		t.Fatalf("frame=%+v", msg)
	}
	if !view.Apply(*msg.Event) || view.Len() != 0 {
		t.Fatalf("cancelled appointment kept, len=%d", view.Len())
	}

	if resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments/"+pending.ID+"/confirm", "dr-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", resp.StatusCode, raw)
	}
	msg = readFrame(t, conn)
	if msg.Event == nil || msg.Event.Appointment.ID != pending.ID || !view.Apply(*msg.Event) {
		t.Fatalf("frame=%+v", msg)
	}
	if _, ok := view.Get(pending.ID); !ok {
		t.Fatalf("newly confirmed appointment missing from view")
	}
}

func TestPatientDirectoryOutageIsRetryable(t *testing.T) {
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	eng := engine.New(store, patients.NewHTTPDirectory(down.URL, ""), engine.Options{Logger: logger})
	mux := http.NewServeMux()
	NewAppointmentsHandler(eng, query.New(store, store), logger).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := &testServer{Server: srv}
	resp, raw := s.do(t, http.MethodPost, "/api/v1/appointments", "dr-1", map[string]string{
		"patient_id": "p1", "scheduled_at": "2025-03-10T14:00:00Z",
	})
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("status=%d retry-after=%q body=%s", resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}
	if body := decodeInto[httpx.ErrorBody](t, raw); body.Operation != "create" {
		t.Fatalf("body=%+v", body)
	}
}

func TestFeedTellsViewerToResyncOnShutdown(t *testing.T) {
	s := newTestServer(t)
	conn := dialFeed(t, s, "from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z")
	if snap := readFrame(t, conn); snap.Type != MessageSnapshot {
		t.Fatalf("first frame=%+v", snap)
	}
	s.feed.Close()
	msg := readFrame(t, conn)
	if msg.Type != MessageResync || msg.Reason != "closed" {
		t.Fatalf("frame=%+v", msg)
	}
}

func TestFeedRejectsBadRequestsBeforeUpgrade(t *testing.T) {
	s := newTestServer(t)
	resp, raw := s.do(t, http.MethodGet, "/api/v1/feed?from=2025-03-10T00:00:00Z", "dr-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", resp.StatusCode, raw)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/v1/feed?from=2025-03-10T00:00:00Z&to=2025-03-11T00:00:00Z", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
