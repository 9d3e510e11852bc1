package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/audit"
	"github.com/spf13/cobra"
)

func createCmd(opts *options) *cobra.Command {
	var patient, at, notes, kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Book an appointment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.client().appointment(cmd.Context(), http.MethodPost, "/api/v1/appointments", map[string]string{
				"patient_id":       patient,
				"scheduled_at":     at,
				"notes":            notes,
				"appointment_type": kind,
			})
			if err != nil {
				return err
			}
			return printAppointment(cmd.OutOrStdout(), opts.json, a)
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&at, "at", "", "scheduled time, RFC 3339")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text notes")
	cmd.Flags().StringVar(&kind, "type", "", "appointment type")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func confirmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm a pending appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().appointment(cmd.Context(), http.MethodPost, appointmentPath(args[0], "confirm"), nil)
			if err != nil {
				return err
			}
			return printAppointment(cmd.OutOrStdout(), opts.json, a)
		},
	}
}

func rescheduleCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move an appointment to a new time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().appointment(cmd.Context(), http.MethodPost, appointmentPath(args[0], "reschedule"), map[string]string{"scheduled_at": at})
			if err != nil {
				return err
			}
			return printAppointment(cmd.OutOrStdout(), opts.json, a)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new time, RFC 3339")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func cancelCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an appointment. Cancellation is final",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().appointment(cmd.Context(), http.MethodPost, appointmentPath(args[0], "cancel"), map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			return printAppointment(cmd.OutOrStdout(), opts.json, a)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().appointment(cmd.Context(), http.MethodGet, appointmentPath(args[0], ""), nil)
			if err != nil {
				return err
			}
			return printAppointment(cmd.OutOrStdout(), opts.json, a)
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	var w window
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List appointments in a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appts, err := opts.client().list(cmd.Context(), "/api/v1/appointments", w.values())
			if err != nil {
				return err
			}
			return printAppointments(cmd.OutOrStdout(), opts.json, appts)
		},
	}
	w.bind(cmd)
	return cmd
}

func dayCmd(opts *options) *cobra.Command {
	var date, tz string
	cmd := &cobra.Command{
		Use:   "day",
		Short: "List one calendar day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{"date": {date}}
			if tz != "" {
				q.Set("tz", tz)
			}
			appts, err := opts.client().list(cmd.Context(), "/api/v1/appointments/day", q)
			if err != nil {
				return err
			}
			return printAppointments(cmd.OutOrStdout(), opts.json, appts)
		},
	}
	cmd.Flags().StringVar(&date, "date", time.Now().Format(time.DateOnly), "day, YYYY-MM-DD")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone of the day, UTC when empty")
	return cmd
}

func searchCmd(opts *options) *cobra.Command {
	var w window
	var statuses []string
	var term, kind string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Filter appointments in a range by status, text and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := w.values()
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			if term != "" {
				q.Set("q", term)
			}
			if kind != "" {
				q.Set("type", kind)
			}
			appts, err := opts.client().list(cmd.Context(), "/api/v1/appointments/search", q)
			if err != nil {
				return err
			}
			return printAppointments(cmd.OutOrStdout(), opts.json, appts)
		},
	}
	w.bind(cmd)
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to keep (pending, confirmed, cancelled)")
	cmd.Flags().StringVar(&term, "q", "", "text matched against patient, notes and type")
	cmd.Flags().StringVar(&kind, "type", "", "appointment type")
	return cmd
}

func auditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <id>",
		Short: "Show the audit trail of an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := opts.client().audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), opts.json, recs)
		},
	}
}

// verifyCmd replays the audit trail from the creation snapshot and compares
// the result with the stored appointment.
func verifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Check that the audit trail reproduces the stored appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			a, err := c.appointment(cmd.Context(), http.MethodGet, appointmentPath(args[0], ""), nil)
			if err != nil {
				return err
			}
			recs, err := c.audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := audit.Verify(a, recs); err != nil {
				return fmt.Errorf("appointment %s: %w", a.ID, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d records replay to version %d (%s)\n", len(recs), a.Version, a.Status)
			return err
		},
	}
}

type window struct {
	from, to string
}

func (w *window) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.from, "from", "", "range start, RFC 3339")
	cmd.Flags().StringVar(&w.to, "to", "", "range end (exclusive), RFC 3339")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (w *window) values() url.Values {
	return url.Values{"from": {w.from}, "to": {w.to}}
}

func appointmentPath(id, action string) string {
	p := "/api/v1/appointments/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}
