package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	applog "crewchat/internal/log"
	"crewchat/internal/models"
	"crewchat/internal/repositories"
)

const maxHistoryLimit = 200

// RoomHandler serves room history.
type RoomHandler struct {
	messages repositories.MessageRepository
	auditor  Auditor
}

// NewRoomHandler constructs RoomHandler. auditor may be nil.
func NewRoomHandler(messages repositories.MessageRepository, auditor Auditor) *RoomHandler {
	return &RoomHandler{messages: messages, auditor: auditor}
}

// GetRoomMessages returns the latest messages of a room, oldest first.
func (h *RoomHandler) GetRoomMessages(c *gin.Context) {
	roomID := c.Param("room_id")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.messages.ListRoomMessages(c.Request.Context(), roomID, limit)
	if err != nil {
		logger := applog.Component("handlers")
		logger.Error().Err(err).Str("room_id", roomID).Msg("list room messages")
		audit(c, h.auditor, "ERROR", "history unavailable for room "+roomID+": "+err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// OnlineSource reports who is connected to the gateway.
type OnlineSource interface {
	OnlineUsers() []string
}

// PresenceHandler serves the online snapshot over plain HTTP.
type PresenceHandler struct {
	source OnlineSource
}

// NewPresenceHandler constructs PresenceHandler.
func NewPresenceHandler(source OnlineSource) *PresenceHandler {
	return &PresenceHandler{source: source}
}

// ListOnline returns the ids of connected users.
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	users := h.source.OnlineUsers()
	if users == nil {
		users = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
