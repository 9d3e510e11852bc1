package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
	"github.com/redis/go-redis/v9"
)

// LocalPublisher is the in-process side of the relay, normally a *Feed.
type LocalPublisher interface {
	Publish(ctx context.Context, evt model.Event) error
}

// RedisRelay carries committed changes between service instances over a redis
// pub/sub channel. Every instance, the publishing one included, hands the
// received events to its local feed, so all feeds see one order.
type RedisRelay struct {
	rdb     redis.UniversalClient
	channel string
	local   LocalPublisher
	logger  *slog.Logger
}

func NewRedisRelay(rdb redis.UniversalClient, channel string, local LocalPublisher, logger *slog.Logger) *RedisRelay {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "scheduling.feed"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisRelay{rdb: rdb, channel: channel, local: local, logger: logger}
}

// relayPublishTimeout bounds the redis round trip made on the writer's
// goroutine after commit.
const relayPublishTimeout = 500 * time.Millisecond

// Publish sends evt to every instance. When redis is unreachable or slow the
// event goes to the local feed only; other instances recover on resync. The
// change is already committed, so the caller's cancellation is ignored.
func (r *RedisRelay) Publish(ctx context.Context, evt model.Event) error {
	payload, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), relayPublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(pctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("feed relay publish failed, delivering locally",
			"channel", r.channel,
			"appointment_id", evt.Appointment.ID,
			"err", err,
		)
		return r.local.Publish(ctx, evt)
	}
	return nil
}

// Run subscribes to the channel and feeds the local publisher until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("feed relay subscribed", "channel", r.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			evt, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Error("feed relay dropped malformed message", "channel", r.channel, "err", err)
				continue
			}
			if err := r.local.Publish(ctx, evt); err != nil {
				r.logger.Warn("feed relay local publish failed", "appointment_id", evt.Appointment.ID, "err", err)
			}
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func encodeEvent(evt model.Event) ([]byte, error) {
	// Seq belongs to the receiving feed.
	evt.Seq = 0
	return json.Marshal(evt)
}

func decodeEvent(b []byte) (model.Event, error) {
	var evt model.Event
	if err := json.Unmarshal(b, &evt); err != nil {
		return model.Event{}, err
	}
	if evt.Appointment.ID == "" || evt.Type == "" {
		return model.Event{}, errors.New("event without appointment or type")
	}
	return evt, nil
}
