package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAppointment(w io.Writer, asJSON bool, a model.Appointment) error {
	return printAppointments(w, asJSON, []model.Appointment{a})
}

func printAppointments(w io.Writer, asJSON bool, appts []model.Appointment) error {
	if asJSON {
		if appts == nil {
			appts = []model.Appointment{}
		}
		return printJSON(w, appts)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULED\tSTATUS\tPATIENT\tTYPE\tVERSION")
	for _, a := range appts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", a.ID, stamp(a.ScheduledAt), a.Status, patientLabel(a), dash(a.AppointmentType), a.Version)
	}
	return tw.Flush()
}

func printAudit(w io.Writer, asJSON bool, recs []model.AuditRecord) error {
	if asJSON {
		if recs == nil {
			recs = []model.AuditRecord{}
		}
		return printJSON(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tAT\tCHANGE\tFROM STATUS\tFROM TIME\tTO TIME\tREASON")
	for _, r := range recs {
		to := "-"
		if r.NewTime != nil {
			to = stamp(*r.NewTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", r.Version, stamp(r.OccurredAt), r.ChangeType, r.PreviousStatus, stamp(r.PreviousTime), to, dash(r.Reason))
	}
	return tw.Flush()
}

func printEvent(w io.Writer, asJSON bool, evt model.Event) error {
	if asJSON {
		return printJSON(w, evt)
	}
	a := evt.Appointment
	_, err := fmt.Fprintf(w, "#%d %s %s %s %s v%d\n", evt.Seq, evt.Type, a.ID, stamp(a.ScheduledAt), a.Status, a.Version)
	return err
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func patientLabel(a model.Appointment) string {
	if a.PatientName != "" {
		return a.PatientName + " (" + a.PatientID + ")"
	}
	return a.PatientID
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
