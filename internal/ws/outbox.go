package ws

import (
	"sync"

	"github.com/rs/zerolog"
)

// outbox decouples frame producers from the socket. Snapshot frames coalesce
// to the latest of each type; acks and errors are sent in order after them.
// Producers never block on a slow client.
type outbox struct {
	mu       sync.Mutex
	messages *Frame
	typing   *Frame
	queued   []Frame
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (o *outbox) put(f Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	switch f.Type {
	case FrameMessages:
		o.messages = &f
	case FrameTyping:
		o.typing = &f
	default:
		o.queued = append(o.queued, f)
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) take() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Frame, 0, len(o.queued)+2)
	if o.messages != nil {
		out = append(out, *o.messages)
		o.messages = nil
	}
	if o.typing != nil {
		out = append(out, *o.typing)
		o.typing = nil
	}
	out = append(out, o.queued...)
	o.queued = nil
	return out
}

// run writes frames until close is called or a write fails.
func (o *outbox) run(client *Client, logger zerolog.Logger) {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for _, f := range o.take() {
			if err := client.WriteJSON(f); err != nil {
				logger.Debug().Err(err).Str("frame", f.Type).Msg("websocket write failed")
				_ = client.Close()
				return
			}
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
