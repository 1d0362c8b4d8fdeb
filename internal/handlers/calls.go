package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kincall/signal/internal/store"
)

// GetCallHistory returns the caller's durable call records, newest first.
func (h *Handlers) GetCallHistory(c *gin.Context) {
	userID := c.GetString("user_id")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	calls, total, err := h.store.History(userID, page, limit)
	if err != nil {
		h.logger.Error("history query failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

// GetCallDetails returns a single call record. Only participants can read it.
func (h *Handlers) GetCallDetails(c *gin.Context) {
	userID := c.GetString("user_id")
	sessionID := c.Param("session_id")

	call, err := h.store.Detail(sessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return
		}
		h.logger.Error("call detail query failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, call)
}

// DeleteCallHistory removes every record the caller participated in.
func (h *Handlers) DeleteCallHistory(c *gin.Context) {
	userID := c.GetString("user_id")

	deleted, err := h.store.DeleteForUser(userID)
	if err != nil {
		h.logger.Error("history delete failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Call history deleted",
		"deleted": deleted,
	})
}

// GetCallStats returns per-state counts and total talk time for the caller.
func (h *Handlers) GetCallStats(c *gin.Context) {
	userID := c.GetString("user_id")

	stats, err := h.store.Stats(userID)
	if err != nil {
		h.logger.Error("stats query failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
