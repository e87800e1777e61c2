package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"chatroom/internal/observability"
)

var ErrFeedClosed = errors.New("realtime feed closed")

// Handler receives changes of one channel in delivery order. Each
// subscription runs its handler on its own goroutine, so a slow handler only
// delays its own subscription.
type Handler func(Change)

// Subscription is an open channel subscription.
type Subscription interface {
	Unsubscribe()
}

type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// Feed multiplexes Postgres LISTEN channels over a single pq.Listener.
type Feed struct {
	l      listener
	logger zerolog.Logger

	mu       sync.Mutex
	handlers map[string]map[uint64]*subscriber
	nextID   uint64
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewFeed connects a listener to dsn. Reconnection is handled by pq.
func NewFeed(dsn string, logger zerolog.Logger) *Feed {
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("realtime listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("realtime listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("realtime listener connection attempt failed")
		}
	})
	return newFeed(l, logger)
}

func newFeed(l listener, logger zerolog.Logger) *Feed {
	f := &Feed{
		l:        l,
		logger:   logger,
		handlers: make(map[string]map[uint64]*subscriber),
		done:     make(chan struct{}),
	}
	go f.run()
	return f
}

// Subscribe registers h on channel, issuing LISTEN for the first subscriber.
func (f *Feed) Subscribe(channel string, h Handler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	set, ok := f.handlers[channel]
	if !ok {
		if err := f.l.Listen(channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		set = make(map[uint64]*subscriber)
		f.handlers[channel] = set
	}
	f.nextID++
	set[f.nextID] = newSubscriber(h)
	return &subscription{feed: f, channel: channel, id: f.nextID}, nil
}

// Close stops dispatching and closes the listener.
func (f *Feed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		for _, set := range f.handlers {
			for _, sub := range set {
				sub.close()
			}
		}
		f.handlers = make(map[string]map[uint64]*subscriber)
		f.mu.Unlock()
		close(f.done)
		err = f.l.Close()
	})
	return err
}

func (f *Feed) run() {
	notifications := f.l.NotificationChannel()
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			// nil follows a reconnect; notifications sent meanwhile are lost.
			if n == nil {
				continue
			}
			f.dispatch(n.Channel, n.Extra)
		}
	}
}

func (f *Feed) dispatch(channel, payload string) {
	change, err := DecodeChange(payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("channel", channel).Msg("dropping realtime notification")
		observability.IncRealtimeEvent(channelKind(channel), "invalid")
		return
	}
	observability.IncRealtimeEvent(channelKind(channel), string(change.Op))

	f.mu.Lock()
	for _, sub := range f.handlers[channel] {
		sub.push(change)
	}
	f.mu.Unlock()
}

func (f *Feed) unsubscribe(channel string, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.handlers[channel]
	if !ok {
		return
	}
	if sub, ok := set[id]; ok {
		sub.close()
	}
	delete(set, id)
	if len(set) > 0 {
		return
	}
	delete(f.handlers, channel)
	if f.closed {
		return
	}
	if err := f.l.Unlisten(channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		f.logger.Warn().Err(err).Str("channel", channel).Msg("unlisten failed")
	}
}

type subscription struct {
	feed    *Feed
	channel string
	id      uint64
	once    sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() { s.feed.unsubscribe(s.channel, s.id) })
}

// subscriber queues changes for one handler and drains them on its own
// goroutine. The queue is unbounded so the listener goroutine never blocks.
type subscriber struct {
	handler Handler

	mu    sync.Mutex
	queue []Change

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscriber(h Handler) *subscriber {
	s := &subscriber{handler: h, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	go s.run()
	return s
}

func (s *subscriber) push(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Change{}, false
	}
	c := s.queue[0]
	s.queue[0] = Change{}
	s.queue = s.queue[1:]
	return c, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			c, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.stop:
				return
			default:
			}
			s.handler(c)
		}
	}
}

func (s *subscriber) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
