package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anichat-rt/internal/middleware"
	"anichat-rt/internal/realtime"
)

type TypingHandler struct {
	Realtime *realtime.Service
}

type typingBody struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   *bool  `json:"isTyping"`
}

// Post is the REST fallback for the typing_indicator socket event. An offline
// receiver is not an error; it just reports zero notified clients.
func (h *TypingHandler) Post(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body typingBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ReceiverID == "" || body.IsTyping == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.SenderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "senderId does not match the authenticated user"})
		return
	}

	n := h.Realtime.SetTyping(userID, body.ReceiverID, *body.IsTyping)
	c.JSON(http.StatusOK, gin.H{"success": true, "notifiedClients": n})
}
