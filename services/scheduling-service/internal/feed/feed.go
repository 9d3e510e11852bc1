// Package feed fans committed appointment changes out to subscribed viewers.
// Publishing never blocks: each subscription owns a bounded queue drained by
// its own goroutine, and a subscription that falls too far behind is ended
// with ErrLagged so its owner can resynchronise from a range query.
package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/apptschedule/services/scheduling-service/internal/model"
)

var (
	ErrLagged = errors.New("feed: subscriber fell behind")
	ErrClosed = errors.New("feed: closed")
)

type Options struct {
	// Buffer is the capacity of each subscription's outbound channel.
	Buffer int
	// MaxBacklog bounds the events queued behind the channel.
	MaxBacklog int
	Logger     *slog.Logger
}

type Feed struct {
	opts Options

	mu     sync.Mutex
	seq    uint64
	subs   map[string]*Subscription
	closed bool
}

func New(opts Options) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = 16
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Feed{opts: opts, subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber. Events published after Subscribe returns
// are delivered in publish order until the subscription ends.
func (f *Feed) Subscribe(filter Filter) (*Subscription, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	s := &Subscription{
		ID:     uuid.NewString(),
		filter: filter,
		feed:   f,
		wake:   make(chan struct{}, 1),
		out:    make(chan model.Event, f.opts.Buffer),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.subs[s.ID] = s
	f.mu.Unlock()

	go s.pump()
	f.opts.Logger.Debug("feed subscription opened", "subscription_id", s.ID, "practitioner_id", filter.PractitionerID)
	return s, nil
}

// Publish stamps evt with the next sequence number and queues it for every
// matching subscriber.
func (f *Feed) Publish(_ context.Context, evt model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.seq++
	evt.Seq = f.seq
	for id, s := range f.subs {
		if !s.filter.Matches(evt) {
			continue
		}
		if !s.enqueue(evt, f.opts.MaxBacklog) {
			delete(f.subs, id)
			s.end(ErrLagged)
			f.opts.Logger.Warn("feed subscriber lagged",
				"subscription_id", id,
				"practitioner_id", s.filter.PractitionerID,
				"max_backlog", f.opts.MaxBacklog,
			)
		}
	}
	return nil
}

// Len is the number of open subscriptions.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription with ErrClosed.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[string]*Subscription)
	f.closed = true
	f.mu.Unlock()
	for _, s := range subs {
		s.end(ErrClosed)
	}
}

func (f *Feed) remove(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

type Subscription struct {
	ID string

	filter Filter
	feed   *Feed

	mu    sync.Mutex
	queue []model.Event
	err   error

	wake    chan struct{}
	out     chan model.Event
	done    chan struct{}
	endOnce sync.Once
}

func (s *Subscription) Filter() Filter { return s.filter }

// Events is closed when the subscription ends. Check Err afterwards.
func (s *Subscription) Events() <-chan model.Event { return s.out }

// Done is closed as soon as the subscription ends, before Events drains.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil while open and after Close, ErrLagged or ErrClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription and its goroutine. Safe to call twice.
func (s *Subscription) Close() {
	s.feed.remove(s.ID)
	s.end(nil)
}

func (s *Subscription) enqueue(evt model.Event, maxBacklog int) bool {
	s.mu.Lock()
	if len(s.queue) >= maxBacklog {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		evt := s.queue[0]
		s.queue[0] = model.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}
