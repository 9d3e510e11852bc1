package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/md-rashed-zaman/apptschedule/libs/httpx"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/feed"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/spf13/cobra"
)

var errWatchDone = errors.New("watch: event limit reached")

func watchCmd(opts *options) *cobra.Command {
	var w window
	var statuses []string
	var count int
	var retryEvery time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow changes in a time range, resynchronising after gaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := time.Parse(time.RFC3339, w.from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			to, err := time.Parse(time.RFC3339, w.to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			filter := feed.Filter{PractitionerID: opts.practitioner, From: from, To: to}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, model.Status(strings.ToLower(strings.TrimSpace(s))))
			}
			if err := filter.Validate(); err != nil {
				return err
			}
			q := w.values()
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			wt := &watcher{
				url:          opts.client().feedURL(q),
				practitioner: opts.practitioner,
				view:         feed.NewView(filter),
				out:          cmd.OutOrStdout(),
				json:         opts.json,
				limit:        count,
			}
			return wt.run(cmd.Context(), retryEvery)
		},
	}
	w.bind(cmd)
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "statuses to follow")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many applied events (0 = run until interrupted)")
	cmd.Flags().DurationVar(&retryEvery, "retry", 2*time.Second, "delay before reconnecting")
	return cmd
}

// watcher keeps a local view that is rebuilt from a snapshot on every
// connection and then updated from events.
type watcher struct {
	url          string
	practitioner string
	view         *feed.View
	out          io.Writer
	json         bool
	limit        int
	applied      int
}

func (w *watcher) run(ctx context.Context, retryEvery time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		err := w.session(ctx)
		if errors.Is(err, errWatchDone) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		var closeErr *websocket.CloseError
		if err != nil && !errors.As(err, &closeErr) {
			fmt.Fprintf(w.out, "! %v, reconnecting\n", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryEvery):
		}
	}
}

func (w *watcher) session(ctx context.Context) error {
	header := http.Header{}
	header.Set(httpx.PractitionerHeader, w.practitioner)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %s", resp.Status)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg handlers.FeedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case handlers.MessageSnapshot:
			w.view.Reset(msg.Appointments)
			fmt.Fprintf(w.out, "= snapshot: %d appointments\n", w.view.Len())
			if err := printAppointments(w.out, w.json, w.view.Appointments()); err != nil {
				return err
			}
		case handlers.MessageEvent:
			if msg.Event == nil || !w.view.Apply(*msg.Event) {
				continue
			}
			if err := printEvent(w.out, w.json, *msg.Event); err != nil {
				return err
			}
			w.applied++
			if w.limit > 0 && w.applied >= w.limit {
				return errWatchDone
			}
		case handlers.MessageResync:
			fmt.Fprintf(w.out, "! feed asked for resync (%s)\n", msg.Reason)
			return nil
		}
	}
}
