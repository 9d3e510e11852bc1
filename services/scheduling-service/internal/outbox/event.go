package outbox

import (
	"context"
	"encoding/json"
	"time"

	otelx "github.com/md-rashed-zaman/apptschedule/libs/otel"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

const AggregateAppointment = "appointment"

// Event is the envelope written to the outbox in the same transaction as the
// appointment change. The Kafka topic name equals EventType.
type Event struct {
	EventID        string
	AggregateType  string
	AggregateID    string
	PractitionerID string
	EventType      string
	Payload        []byte
	Traceparent    string
	Tracestate     string
}

// Record is an outbox row waiting for, or past, publication.
type Record struct {
	ID int64
	Event
	CreatedAt time.Time
}

func Topic(t model.EventType) string {
	return "scheduling.appointment." + string(t) + ".v1"
}

// FromDomain serialises evt and captures the caller's trace context.
func FromDomain(ctx context.Context, evt model.Event) (Event, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Event{}, err
	}
	tc := otelx.CaptureTraceContext(ctx)
	return Event{
		EventID:        evt.ID,
		AggregateType:  AggregateAppointment,
		AggregateID:    evt.Appointment.ID,
		PractitionerID: evt.Appointment.PractitionerID,
		EventType:      Topic(evt.Type),
		Payload:        payload,
		Traceparent:    tc.Parent,
		Tracestate:     tc.State,
	}, nil
}
