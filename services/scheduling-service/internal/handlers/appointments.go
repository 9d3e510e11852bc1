// Package handlers exposes appointment commands, reads and the change feed
// over HTTP. The caller identity comes from the X-Practitioner-Id header.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/engine"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/query"
)

// Commands is the write side, implemented by *engine.Engine.
type Commands interface {
	Create(ctx context.Context, practitionerID string, req engine.CreateRequest) (model.Appointment, error)
	Confirm(ctx context.Context, practitionerID, appointmentID string) (model.Appointment, error)
	Reschedule(ctx context.Context, practitionerID, appointmentID string, newTime time.Time) (model.Appointment, error)
	Cancel(ctx context.Context, practitionerID, appointmentID, reason string) (model.Appointment, error)
}

// Queries is the read side, implemented by *query.Service.
type Queries interface {
	QueryByRange(ctx context.Context, practitionerID string, from, to time.Time) ([]model.Appointment, error)
	QueryByDay(ctx context.Context, practitionerID string, date time.Time, loc *time.Location) ([]model.Appointment, error)
	QueryByStatusFilter(ctx context.Context, practitionerID string, c query.Criteria) ([]model.Appointment, error)
	Get(ctx context.Context, practitionerID, id string) (model.Appointment, error)
	AuditTrail(ctx context.Context, practitionerID, id string) ([]model.AuditRecord, error)
}

type AppointmentsHandler struct {
	cmds   Commands
	reads  Queries
	logger *slog.Logger
}

func NewAppointmentsHandler(cmds Commands, reads Queries, logger *slog.Logger) *AppointmentsHandler {
	return &AppointmentsHandler{cmds: cmds, reads: reads, logger: logger}
}

func (h *AppointmentsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/appointments", h.Create)
	mux.HandleFunc("GET /api/v1/appointments", h.ListRange)
	mux.HandleFunc("GET /api/v1/appointments/day", h.ListDay)
	mux.HandleFunc("GET /api/v1/appointments/search", h.Search)
	mux.HandleFunc("GET /api/v1/appointments/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/appointments/{id}/audit", h.Audit)
	mux.HandleFunc("POST /api/v1/appointments/{id}/confirm", h.Confirm)
	mux.HandleFunc("POST /api/v1/appointments/{id}/reschedule", h.Reschedule)
	mux.HandleFunc("POST /api/v1/appointments/{id}/cancel", h.Cancel)
}

type createRequest struct {
	PatientID       string `json:"patient_id"`
	ScheduledAt     string `json:"scheduled_at"`
	Notes           string `json:"notes"`
	AppointmentType string `json:"appointment_type"`
}

type rescheduleRequest struct {
	ScheduledAt string `json:"scheduled_at"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type listResponse struct {
	Appointments []model.Appointment `json:"appointments"`
}

type auditResponse struct {
	AppointmentID string              `json:"appointment_id"`
	Records       []model.AuditRecord `json:"records"`
}

func (h *AppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	at, err := parseTime("create", "scheduled_at", req.ScheduledAt)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	appt, err := h.cmds.Create(r.Context(), practitionerID, engine.CreateRequest{
		PatientID:       req.PatientID,
		ScheduledAt:     at,
		Notes:           req.Notes,
		AppointmentType: req.AppointmentType,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, appt)
}

func (h *AppointmentsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	appt, err := h.cmds.Confirm(r.Context(), practitionerID, r.PathValue("id"))
	h.respond(w, r, appt, err)
}

func (h *AppointmentsHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	var req rescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	at, err := parseTime("reschedule", "scheduled_at", req.ScheduledAt)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	appt, err := h.cmds.Reschedule(r.Context(), practitionerID, r.PathValue("id"), at)
	h.respond(w, r, appt, err)
}

func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	// An empty body cancels without a reason.
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeBadJSON(w)
		return
	}
	appt, err := h.cmds.Cancel(r.Context(), practitionerID, r.PathValue("id"), req.Reason)
	h.respond(w, r, appt, err)
}

func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	appt, err := h.reads.Get(r.Context(), practitionerID, r.PathValue("id"))
	h.respond(w, r, appt, err)
}

func (h *AppointmentsHandler) Audit(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	recs, err := h.reads.AuditTrail(r.Context(), practitionerID, id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	httpx.WriteJSON(w, http.StatusOK, auditResponse{AppointmentID: id, Records: recs})
}

func (h *AppointmentsHandler) ListRange(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	appts, err := h.reads.QueryByRange(r.Context(), practitionerID, from, to)
	h.respondList(w, r, appts, err)
}

func (h *AppointmentsHandler) ListDay(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(q.Get("date")))
	if err != nil {
		h.writeErr(w, r, apperr.Validation("query", "date", "date must be YYYY-MM-DD"))
		return
	}
	loc := time.UTC
	if tz := strings.TrimSpace(q.Get("tz")); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			h.writeErr(w, r, apperr.Validation("query", "tz", "unknown time zone "+tz))
			return
		}
	}
	appts, err := h.reads.QueryByDay(r.Context(), practitionerID, date, loc)
	h.respondList(w, r, appts, err)
}

func (h *AppointmentsHandler) Search(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	q := r.URL.Query()
	appts, err := h.reads.QueryByStatusFilter(r.Context(), practitionerID, query.Criteria{
		From:     from,
		To:       to,
		Statuses: parseStatuses(q.Get("status")),
		Search:   q.Get("q"),
		Type:     q.Get("type"),
	})
	h.respondList(w, r, appts, err)
}

func (h *AppointmentsHandler) respond(w http.ResponseWriter, r *http.Request, appt model.Appointment, err error) {
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appt)
}

func (h *AppointmentsHandler) respondList(w http.ResponseWriter, r *http.Request, appts []model.Appointment, err error) {
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if appts == nil {
		appts = []model.Appointment{}
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Appointments: appts})
}

func (h *AppointmentsHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	writeAppError(w, r, h.logger, err)
}

// writeAppError renders err with enough context for a client to explain a
// refused change.
func writeAppError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		if logger != nil {
			logger.Error("request failed", "request_id", httpx.RequestIDFromContext(r.Context()), "path", r.URL.Path, "err", err)
		}
		httpx.WriteError(w, http.StatusInternalServerError, httpx.ErrorBody{Code: "internal", Message: "internal error"})
		return
	}
	if ae.Kind == apperr.KindTransientStorage && logger != nil {
		logger.Warn("storage unavailable", "request_id", httpx.RequestIDFromContext(r.Context()), "op", ae.Op, "err", err)
	}
	msg := ae.Message
	if msg == "" {
		msg = err.Error()
	}
	if ae.Kind == apperr.KindTransientStorage {
		w.Header().Set("Retry-After", "1")
	}
	httpx.WriteError(w, ae.Kind.HTTPStatus(), httpx.ErrorBody{
		Code:          ae.Kind.String(),
		Message:       msg,
		Operation:     ae.Op,
		AppointmentID: ae.AppointmentID,
		CurrentStatus: ae.Status,
		Field:         ae.Field,
	})
}

// practitioner reads the caller identity set by the gateway.
func practitioner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(httpx.PractitionerHeader))
	if id == "" {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.ErrorBody{
			Code:    "unauthenticated",
			Message: "missing " + httpx.PractitionerHeader + " header",
		})
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeBody(r, v); err != nil {
		writeBadJSON(w)
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeBadJSON(w http.ResponseWriter) {
	httpx.WriteError(w, http.StatusBadRequest, httpx.ErrorBody{Code: "validation", Message: "invalid json body"})
}

func parseTime(op, field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.Validation(op, field, field+" is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.Validation(op, field, field+" must be an RFC 3339 timestamp")
	}
	return t, nil
}

func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from, err := parseTime("query", "from", q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTime("query", "to", q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func parseStatuses(raw string) []model.Status {
	var out []model.Status
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, model.Status(strings.ToLower(part)))
		}
	}
	return out
}
