package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/apperr"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/feed"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Feed message types sent to viewers.
const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
	MessageResync   = "resync"
)

// FeedMessage is one websocket frame. A snapshot carries Appointments, an
// event carries Event, a resync carries Reason and is the last frame.
type FeedMessage struct {
	Type         string              `json:"type"`
	Appointments []model.Appointment `json:"appointments,omitempty"`
	Event        *model.Event        `json:"event,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

type Subscriber interface {
	Subscribe(filter feed.Filter) (*feed.Subscription, error)
}

type FeedHandler struct {
	feed     Subscriber
	reads    Queries
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewFeedHandler(sub Subscriber, reads Queries, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		feed:   sub,
		reads:  reads,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The gateway in front of the service enforces origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *FeedHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/feed", h.Serve)
}

// Serve subscribes before reading the snapshot, so no change committed after
// the snapshot is missed. Changes older than the snapshot may be delivered
// again; viewers discard them by version.
func (h *FeedHandler) Serve(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := practitioner(w, r)
	if !ok {
		return
	}
	from, to, err := parseWindow(r)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}
	filter := feed.Filter{
		PractitionerID: practitionerID,
		From:           from,
		To:             to,
		Statuses:       parseStatuses(r.URL.Query().Get("status")),
	}
	sub, err := h.feed.Subscribe(filter)
	if err != nil {
		if errors.Is(err, feed.ErrClosed) {
			err = apperr.Transient("subscribe", err)
		}
		writeAppError(w, r, h.logger, err)
		return
	}
	defer sub.Close()

	snapshot, err := h.reads.QueryByRange(r.Context(), practitionerID, from, to)
	if err != nil {
		writeAppError(w, r, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Warn("feed upgrade failed", "practitioner_id", practitionerID, "err", err)
		return
	}
	defer conn.Close()
	h.logger.Info("feed viewer connected", "subscription_id", sub.ID, "practitioner_id", practitionerID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readPump(conn, cancel)

	if err := writeFrame(conn, FeedMessage{Type: MessageSnapshot, Appointments: filter.Project(snapshot)}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				h.endSubscription(conn, sub)
				return
			}
			if err := writeFrame(conn, FeedMessage{Type: MessageEvent, Event: &evt}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *FeedHandler) endSubscription(conn *websocket.Conn, sub *feed.Subscription) {
	reason := "closed"
	if errors.Is(sub.Err(), feed.ErrLagged) {
		reason = "lagged"
	}
	h.logger.Info("feed subscription ended", "subscription_id", sub.ID, "reason", reason)
	_ = writeFrame(conn, FeedMessage{Type: MessageResync, Reason: reason})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(writeWait))
}

// readPump handles pongs and notices when the viewer goes away. Viewers send
// nothing else.
func readPump(conn *websocket.Conn, gone context.CancelFunc) {
	defer gone()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg FeedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
