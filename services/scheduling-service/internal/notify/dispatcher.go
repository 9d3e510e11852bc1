// Package notify tells patients about committed appointment changes. Delivery
// is best effort: a full queue or a failing provider is logged and the change
// itself stays committed.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/patients"
)

// Channel pairs a sender with the patient contact it delivers to.
type Channel struct {
	Sender  Sender
	Address func(patients.Patient) string
}

func EmailChannel(s Sender) Channel {
	return Channel{Sender: s, Address: func(p patients.Patient) string { return p.Email }}
}

func SMSChannel(s Sender) Channel {
	return Channel{Sender: s, Address: func(p patients.Patient) string { return p.Phone }}
}

type Config struct {
	QueueSize   int
	SendTimeout time.Duration
}

type job struct {
	ctx context.Context
	evt model.Event
}

type Dispatcher struct {
	dir      patients.Directory
	channels []Channel
	logger   *slog.Logger
	timeout  time.Duration

	queue   chan job
	stop    chan struct{}
	done    chan struct{}
	start   sync.Once
	halt    sync.Once
	dropped atomic.Uint64
}

func NewDispatcher(dir patients.Directory, logger *slog.Logger, cfg Config, channels ...Channel) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		dir:      dir,
		channels: channels,
		logger:   logger,
		timeout:  cfg.SendTimeout,
		queue:    make(chan job, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify queues evt and returns at once. It drops the event when the queue
// is full or the dispatcher is closed.
func (d *Dispatcher) Notify(ctx context.Context, evt model.Event) {
	select {
	case <-d.stop:
		d.drop(evt, "dispatcher closed")
		return
	default:
	}
	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), evt: evt}:
	default:
		d.drop(evt, "queue full")
	}
}

// Dropped counts events that were never delivered to a provider.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	d.start.Do(func() { go d.run() })
}

// Close stops accepting events, delivers what is queued and waits for the
// worker until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.halt.Do(func() { close(d.stop) })
	d.Start()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case j := <-d.queue:
			d.deliver(j)
		case <-d.stop:
			for {
				select {
				case j := <-d.queue:
					d.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, d.timeout)
	defer cancel()

	appt := j.evt.Appointment
	patient, err := d.dir.ResolvePatient(ctx, appt.PatientID)
	if err != nil {
		d.logger.Warn("notification skipped, patient lookup failed",
			"appointment_id", appt.ID,
			"patient_id", appt.PatientID,
			"err", err,
		)
		return
	}
	subject, body := compose(j.evt, patient)
	for _, ch := range d.channels {
		to := ch.Address(patient)
		if to == "" {
			continue
		}
		msg := Message{To: to, Subject: subject, Body: body, EventID: j.evt.ID, EventType: string(j.evt.Type), AppointmentID: appt.ID}
		if err := ch.Sender.Send(ctx, msg); err != nil {
			d.logger.Error("notification send failed",
				"provider", ch.Sender.ProviderID(),
				"appointment_id", appt.ID,
				"event_type", string(j.evt.Type),
				"err", err,
			)
			continue
		}
		d.logger.Info("notification sent",
			"provider", ch.Sender.ProviderID(),
			"appointment_id", appt.ID,
			"event_type", string(j.evt.Type),
		)
	}
}

func (d *Dispatcher) drop(evt model.Event, reason string) {
	d.dropped.Add(1)
	d.logger.Warn("notification dropped",
		"reason", reason,
		"appointment_id", evt.Appointment.ID,
		"event_type", string(evt.Type),
	)
}

func compose(evt model.Event, p patients.Patient) (string, string) {
	a := evt.Appointment
	when := a.ScheduledAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	name := p.DisplayName
	if name == "" {
		name = "there"
	}
	switch evt.Type {
	case model.EventCreated:
		return "Appointment booked", fmt.Sprintf("Hello %s, your appointment on %s is booked (%s).", name, when, a.Status)
	case model.EventConfirmed:
		return "Appointment confirmed", fmt.Sprintf("Hello %s, your appointment on %s is confirmed.", name, when)
	case model.EventRescheduled:
		prev := ""
		if a.PreviousScheduledAt != nil {
			prev = " from " + a.PreviousScheduledAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
		}
		return "Appointment rescheduled", fmt.Sprintf("Hello %s, your appointment was moved%s to %s.", name, prev, when)
	case model.EventCancelled:
		body := fmt.Sprintf("Hello %s, your appointment on %s was cancelled.", name, when)
		if a.CancellationReason != "" {
			body += " Reason: " + a.CancellationReason + "."
		}
		return "Appointment cancelled", body
	default:
		return "Appointment update", fmt.Sprintf("Hello %s, your appointment on %s was updated.", name, when)
	}
}
