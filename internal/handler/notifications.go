package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"anichat-rt/internal/notify"
	"anichat-rt/internal/presence"
	"anichat-rt/internal/realtime"
)

type NotificationHandler struct {
	Notify *notify.Service
}

func (h *NotificationHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Notify.Metrics())
}

type PresenceHandler struct {
	Presence presence.Tracker
	Realtime *realtime.Service
	Logger   logrus.FieldLogger
}

// Get reports the announced presence of a user and whether any of their
// devices is connected to the message transport.
func (h *PresenceHandler) Get(c *gin.Context) {
	userID := c.Param("userId")
	online, err := h.Presence.IsOnline(c.Request.Context(), userID)
	if err != nil {
		h.Logger.WithError(err).WithField("user", userID).Warn("presence lookup")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"online":    online,
		"connected": h.Realtime.Online(userID),
	})
}
