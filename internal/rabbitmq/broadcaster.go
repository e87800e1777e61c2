package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"chatroom/internal/realtime"
)

var ErrBroadcasterClosed = errors.New("broadcaster closed")

// Broadcaster fans out ephemeral events. Delivery is at-most-once and nothing is persisted.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler func(body []byte)) (realtime.Subscription, error)
	Close() error
}

// NewBroadcaster connects to a transient topic exchange, falling back to an
// in-process broadcaster when AMQP is disabled or unreachable.
func NewBroadcaster(amqpURL, exchange string, logger zerolog.Logger) Broadcaster {
	if amqpURL == "" {
		logger.Info().Msg("rabbitmq broadcaster disabled, using in-process fan-out: empty amqp url")
		return NewLocalBroadcaster()
	}

	conn, ch, err := dialExchange(amqpURL, exchange, false)
	if err != nil {
		logger.Warn().Err(err).Msg("rabbitmq broadcaster disabled, using in-process fan-out")
		return NewLocalBroadcaster()
	}

	logger.Info().Str("exchange", exchange).Msg("rabbitmq broadcaster connected")
	return &amqpBroadcaster{conn: conn, pub: ch, exchange: exchange, logger: logger}
}

type amqpBroadcaster struct {
	conn     *amqp.Connection
	pubMu    sync.Mutex
	pub      *amqp.Channel
	exchange string
	logger   zerolog.Logger
}

func (b *amqpBroadcaster) Broadcast(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pub.PublishWithContext(ctx, b.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *amqpBroadcaster) Subscribe(topic string, handler func(body []byte)) (realtime.Subscription, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, topic, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	go func() {
		for d := range deliveries {
			handler(d.Body)
		}
	}()
	return &amqpSubscription{ch: ch, logger: b.logger}, nil
}

func (b *amqpBroadcaster) Close() error {
	if b.pub != nil {
		_ = b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

type amqpSubscription struct {
	ch     *amqp.Channel
	logger zerolog.Logger
	once   sync.Once
}

// Unsubscribe closes the consumer channel, which drops the exclusive queue.
func (s *amqpSubscription) Unsubscribe() {
	s.once.Do(func() {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.logger.Warn().Err(err).Msg("close broadcast channel")
		}
	})
}

// LocalBroadcaster delivers broadcasts synchronously to subscribers in this process.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	closed   bool
}

// NewLocalBroadcaster creates an empty in-process broadcaster.
func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[string]map[uint64]func([]byte))}
}

func (b *LocalBroadcaster) Broadcast(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBroadcasterClosed
	}
	handlers := make([]func([]byte), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(body)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(topic string, handler func(body []byte)) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBroadcasterClosed
	}
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[uint64]func([]byte))
	}
	b.nextID++
	id := b.nextID
	b.handlers[topic][id] = handler
	return localSubscription(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
		if len(b.handlers[topic]) == 0 {
			delete(b.handlers, topic)
		}
	}), nil
}

func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[uint64]func([]byte))
	return nil
}

type localSubscription func()

func (s localSubscription) Unsubscribe() { s() }

// BroadcasterMode reports the broadcaster mode for logging.
func BroadcasterMode(b Broadcaster) string {
	switch b.(type) {
	case *amqpBroadcaster:
		return "amqp"
	case *LocalBroadcaster:
		return "local"
	default:
		return "unknown"
	}
}
