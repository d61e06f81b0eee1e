package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"anichat-rt/internal/store"
)

type HealthHandler struct {
	Store *store.Store
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	stats := h.Store.PoolStats()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"pool": gin.H{
			"idle":    stats.Idle,
			"active":  stats.Active,
			"max":     stats.Max,
			"waiting": stats.Waiting,
		},
	})
}
