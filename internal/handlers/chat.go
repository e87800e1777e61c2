package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatroom/internal/chat"
	"chatroom/internal/models"
	"chatroom/internal/repositories"
)

const maxHistoryLimit = chat.InitialFetchLimit

// RoomHandler serves room history and hide management over plain HTTP.
type RoomHandler struct {
	messageRepo repositories.MessageRepository
	hideRepo    repositories.HideRepository
}

// NewRoomHandler builds a RoomHandler.
func NewRoomHandler(messageRepo repositories.MessageRepository, hideRepo repositories.HideRepository) *RoomHandler {
	return &RoomHandler{messageRepo: messageRepo, hideRepo: hideRepo}
}

// GetRoomMessages returns the most recent messages of a room, oldest first,
// without the ones the viewer has hidden.
func (h *RoomHandler) GetRoomMessages(c *gin.Context) {
	room := c.Param("room")
	userID := c.GetString("userID")
	if err := chat.ValidateRoom(room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := maxHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := h.messageRepo.ListRecent(c.Request.Context(), room, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	hides, err := h.hideRepo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load hidden messages"})
		return
	}

	hidden := make(map[string]struct{}, len(hides))
	for _, hd := range hides {
		hidden[hd.MessageID.String()] = struct{}{}
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		if row.Validate() != nil {
			continue
		}
		if _, ok := hidden[row.ID.String()]; ok {
			continue
		}
		msgs = append(msgs, chat.MapMessage(row))
	}

	c.JSON(http.StatusOK, gin.H{"room": room, "messages": msgs})
}

// UnhideMessage removes the viewer's hide record. Live rooms restore the
// message when the change arrives.
func (h *RoomHandler) UnhideMessage(c *gin.Context) {
	messageID := c.Param("message_id")
	if _, err := strconv.ParseInt(messageID, 10, 64); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	if err := h.hideRepo.Delete(c.Request.Context(), c.GetString("userID"), messageID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unhide message"})
		return
	}
	c.Status(http.StatusNoContent)
}
