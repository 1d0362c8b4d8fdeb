package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSignalingStatus exposes a small operational snapshot: how many users
// are connected, how many calls are live, and whether durable writes are
// backing up.
func (h *Handlers) GetSignalingStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_users":   h.presence.Count(),
		"active_calls":   h.sessions.ActiveCount(),
		"pending_writes": h.store.PendingWrites(),
	})
}
