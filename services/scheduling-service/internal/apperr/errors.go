// Package apperr holds the error taxonomy shared by the engine, the stores and
// the transports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindValidation
	KindConflict
	KindTransientStorage
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransientStorage:
		return "transient_storage"
	default:
		return "internal"
	}
}

// HTTPStatus maps a kind onto the response code used by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind Kind
	// Op is the attempted operation, e.g. "reschedule".
	Op            string
	Resource      string
	AppointmentID string
	// Status is the current appointment status for InvalidState errors.
	Status  string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(op, resource, id string) *Error {
	e := &Error{Kind: KindNotFound, Op: op, Resource: resource, Message: fmt.Sprintf("%s %q not found", resource, id)}
	if resource == "appointment" {
		e.AppointmentID = id
	}
	return e
}

func InvalidState(op, appointmentID, status string) *Error {
	return &Error{
		Kind:          KindInvalidState,
		Op:            op,
		Resource:      "appointment",
		AppointmentID: appointmentID,
		Status:        status,
		Message:       fmt.Sprintf("cannot %s a %s appointment", op, status),
	}
}

func Validation(op, field, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Message: msg}
}

func Conflict(op, appointmentID, msg string) *Error {
	if msg == "" {
		msg = "appointment was modified concurrently"
	}
	return &Error{Kind: KindConflict, Op: op, Resource: "appointment", AppointmentID: appointmentID, Message: msg}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientStorage, Op: op, Message: "storage temporarily unavailable", Err: err}
}

// KindOf returns KindUnknown for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }
func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsTransient(err error) bool    { return KindOf(err) == KindTransientStorage }

// WithContext stamps the attempted operation onto taxonomy errors, and the
// appointment id when the error does not name one yet. Other errors are
// returned unchanged.
func WithContext(err error, op, appointmentID string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	cp.Op = op
	if cp.AppointmentID == "" && cp.Resource != "patient" {
		cp.AppointmentID = appointmentID
	}
	return &cp
}
