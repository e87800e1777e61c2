package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chatroom/internal/chat"
	"chatroom/internal/models"
	"chatroom/internal/observability"
)

// RoomService is the per-connection synchronization layer.
type RoomService interface {
	Init(ctx context.Context, viewerID, room string) error
	SendMessage(ctx context.Context, userID, username, content string) error
	SendFileMessage(ctx context.Context, userID, username string, file chat.File) error
	DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool) error
	ClearAllMessages(ctx context.Context, userID string) error
	StartTyping(ctx context.Context, userID, username string) error
	StopTyping(ctx context.Context, userID string) error
	OnMessagesUpdate(fn func([]models.Message)) func()
	OnTypingUpdate(fn func([]models.TypingUser)) func()
	Dispose()
}

// Frame types.
const (
	FrameMessages = "messages"
	FrameTyping   = "typing"
	FrameError    = "error"
	FrameAck      = "ack"

	CommandSend   = "send"
	CommandFile   = "file"
	CommandDelete = "delete"
	CommandClear  = "clear"
	CommandTyping = "typing"
)

// Command is a frame sent by the UI.
type Command struct {
	Type string `json:"type"`
	// Ref is echoed in the ack or error frame of the command.
	Ref         string `json:"ref,omitempty"`
	Content     string `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
	Mime        string `json:"mime,omitempty"`
	Data        []byte `json:"data,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	ForEveryone bool   `json:"for_everyone,omitempty"`
	Active      bool   `json:"active,omitempty"`
}

// Frame is sent to the UI. Empty lists are omitted.
type Frame struct {
	Type     string              `json:"type"`
	Command  string              `json:"command,omitempty"`
	Ref      string              `json:"ref,omitempty"`
	Error    string              `json:"error,omitempty"`
	Messages []models.Message    `json:"messages,omitempty"`
	Users    []models.TypingUser `json:"users,omitempty"`
}

// RoomWebSocketHandler bridges one websocket per UI mount to its own RoomService.
type RoomWebSocketHandler struct {
	hub        *Hub
	newService func() RoomService
	maxUpload  int64
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewRoomWebSocketHandler constructs a RoomWebSocketHandler. checkOrigin
// decides which pages may open a room; nil allows same-origin pages only.
func NewRoomWebSocketHandler(hub *Hub, newService func() RoomService, maxUpload int64, checkOrigin func(*http.Request) bool, logger zerolog.Logger) *RoomWebSocketHandler {
	return &RoomWebSocketHandler{
		hub:        hub,
		newService: newService,
		maxUpload:  maxUpload,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:     logger,
	}
}

// Handle upgrades the connection and serves it until it closes. userID and
// username must already be on the context.
func (h *RoomWebSocketHandler) Handle(c *gin.Context) {
	room := c.Param("room")
	userID := c.GetString("userID")
	username := c.GetString("username")
	if room == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room and session are required"})
		return
	}
	if err := chat.ValidateRoom(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := otel.Tracer("chatroom/internal/ws").Start(c.Request.Context(), "ws.handshake")
	traceID := span.SpanContext().TraceID().String()
	span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	if h.maxUpload > 0 {
		// base64 plus frame envelope
		conn.SetReadLimit(h.maxUpload*4/3 + 4096)
	}

	client := NewClient(conn)
	info := ConnInfo{
		ConnID:      newConnID(),
		Room:        room,
		UserID:      userID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	logger := h.logger.With().Str("conn_id", info.ConnID).Str("room", room).Str("user_id", userID).Logger()

	svc := h.newService()
	defer svc.Dispose()

	if err := svc.Init(ctx, userID, room); err != nil {
		logger.Error().Err(err).Msg("room init failed")
		_ = client.WriteJSON(Frame{Type: FrameError, Command: "init", Error: err.Error()})
		client.CloseWith(websocket.CloseInternalServerErr, "init failed")
		return
	}

	h.hub.Add(client, info)
	closeReason := ""
	defer func() {
		h.hub.Remove(client, info, closeReason)
		_ = client.Close()
	}()

	out := newOutbox()
	go out.run(client, logger)
	defer out.close()
	write := out.put
	unsubMessages := svc.OnMessagesUpdate(func(list []models.Message) {
		write(Frame{Type: FrameMessages, Messages: list})
	})
	defer unsubMessages()
	unsubTyping := svc.OnTypingUpdate(func(users []models.TypingUser) {
		write(Frame{Type: FrameTyping, Users: users})
	})
	defer unsubTyping()

	logger.Info().Msg("room connection opened")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.PublishError(info, err)
			}
			logger.Info().Str("reason", closeReason).Msg("room connection closed")
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			write(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		if err := h.dispatch(ctx, svc, userID, username, cmd); err != nil {
			logger.Warn().Err(err).Str("command", cmd.Type).Msg("room command failed")
			write(Frame{Type: FrameError, Command: cmd.Type, Ref: cmd.Ref, Error: err.Error()})
			continue
		}
		if cmd.Type != CommandTyping {
			write(Frame{Type: FrameAck, Command: cmd.Type, Ref: cmd.Ref})
		}
	}
}

var errUnknownCommand = errors.New("unknown command")

func (h *RoomWebSocketHandler) dispatch(ctx context.Context, svc RoomService, userID, username string, cmd Command) error {
	switch cmd.Type {
	case CommandSend:
		return svc.SendMessage(ctx, userID, username, cmd.Content)
	case CommandFile:
		if h.maxUpload > 0 && int64(len(cmd.Data)) > h.maxUpload {
			return errors.New("file too large")
		}
		return svc.SendFileMessage(ctx, userID, username, chat.File{Name: cmd.Name, Type: cmd.Mime, Data: cmd.Data})
	case CommandDelete:
		return svc.DeleteMessage(ctx, cmd.MessageID, userID, cmd.ForEveryone)
	case CommandClear:
		return svc.ClearAllMessages(ctx, userID)
	case CommandTyping:
		if cmd.Active {
			return svc.StartTyping(ctx, userID, username)
		}
		return svc.StopTyping(ctx, userID)
	default:
		return errUnknownCommand
	}
}
