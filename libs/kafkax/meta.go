package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta is the metadata carried on every scheduling change message.
type EventMeta struct {
	EventID        string
	EventType      string
	AppointmentID  string
	PractitionerID string
}

const (
	HeaderEventID        = "event_id"
	HeaderEventType      = "event_type"
	HeaderAppointmentID  = "appointment_id"
	HeaderPractitionerID = "practitioner_id"
)

func (m EventMeta) Headers() []kafka.Header {
	hs := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(m.EventID)},
		{Key: HeaderEventType, Value: []byte(m.EventType)},
	}
	if m.AppointmentID != "" {
		hs = append(hs, kafka.Header{Key: HeaderAppointmentID, Value: []byte(m.AppointmentID)})
	}
	if m.PractitionerID != "" {
		hs = append(hs, kafka.Header{Key: HeaderPractitionerID, Value: []byte(m.PractitionerID)})
	}
	return hs
}

func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:        HeaderValue(msg.Headers, HeaderEventID),
		EventType:      HeaderValue(msg.Headers, HeaderEventType),
		AppointmentID:  HeaderValue(msg.Headers, HeaderAppointmentID),
		PractitionerID: HeaderValue(msg.Headers, HeaderPractitionerID),
	}
	if meta.AppointmentID == "" {
		meta.AppointmentID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
