package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatroom/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	wsRoutingKey   = "ws_events.rooms"
	closeGraceWait = time.Second
)

// Client is one websocket connection. Writes are serialized.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// WriteJSON sends one frame.
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// CloseWith sends a close frame with code and reason, then closes the socket.
func (c *Client) CloseWith(code int, reason string) {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGraceWait))
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Hub tracks live room connections.
type Hub struct {
	rooms map[string]map[*Client]ConnInfo
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]ConnInfo)}
}

// Add registers a client in a room.
func (h *Hub) Add(client *Client, info ConnInfo) {
	h.mu.Lock()
	if _, ok := h.rooms[info.Room]; !ok {
		h.rooms[info.Room] = make(map[*Client]ConnInfo)
	}
	h.rooms[info.Room][client] = info
	h.mu.Unlock()

	observability.IncWSActive(info.Room)
	h.publish("ws_connect", info, "")
}

// Remove drops a client. Removing an unknown client is a no-op.
func (h *Hub) Remove(client *Client, info ConnInfo, reason string) {
	h.mu.Lock()
	conns, ok := h.rooms[info.Room]
	_, known := conns[client]
	if ok && known {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.rooms, info.Room)
		}
	}
	h.mu.Unlock()
	if !known {
		return
	}

	observability.DecWSActive(info.Room)
	h.publish("ws_disconnect", info, reason)
}

// Rooms reports live connections per room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for room, conns := range h.rooms {
		out[room] = len(conns)
	}
	return out
}

// CloseAll closes every live connection with a going-away frame.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0)
	for _, conns := range h.rooms {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// PublishError reports an abnormal connection end.
func (h *Hub) PublishError(info ConnInfo, err error) {
	h.publish("ws_error", info, err.Error())
}

func (h *Hub) publish(event string, info ConnInfo, reason string) {
	observability.IncWSEvent(event)
	err := observability.PublishEvent(context.Background(), wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.TraceHeaders(info.RequestID, info.TraceID),
		Payload:   info.eventPayload(event, reason, time.Now()),
	})
	if err != nil {
		log.Debug().Err(err).Str("event", event).Msg("ws event publish failed")
	}
}
