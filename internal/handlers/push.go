package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/kincall/signal/internal/config"
	"github.com/kincall/signal/internal/models"
)

type PushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type PushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     PushSubscribeKeys `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.config.VAPIDKeys.PublicKey,
	})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// One subscription per user: a new registration replaces older ones.
	if err := h.db.Where("user_id = ?", userID).Delete(&models.PushSubscription{}).Error; err != nil {
		h.logger.Warn("failed to delete old push subscriptions", "user_id", userID, "error", err)
	}

	subscription := models.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}

	if err := h.db.Create(&subscription).Error; err != nil {
		h.logger.Error("failed to create push subscription", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, subscription)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := c.GetString("user_id")

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.db.Where("user_id = ? AND endpoint = ?", userID, req.Endpoint).Delete(&models.PushSubscription{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Unsubscribed"})
}

// PushNotifier sends Web Push notifications for call events that must reach
// users whose WebSocket is backgrounded or gone. Implements the notifier
// hook of the session manager.
type PushNotifier struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	logger *slog.Logger
}

func NewPushNotifier(db *gorm.DB, keys *config.VAPIDKeys, logger *slog.Logger) *PushNotifier {
	return &PushNotifier{db: db, keys: keys, logger: logger}
}

func (n *PushNotifier) IncomingCall(calleeID, callerName string, hasVideo bool) {
	body := callerName + " is calling you"
	if hasVideo {
		body = callerName + " is video calling you"
	}
	n.send(calleeID, "Incoming call", body, map[string]any{"type": "incoming_call"})
}

func (n *PushNotifier) MissedCall(callerID, calleeID string) {
	var callee models.User
	name := "Your contact"
	if err := n.db.First(&callee, "id = ?", calleeID).Error; err == nil {
		name = callee.Name()
	}
	n.send(callerID, "Missed call", name+" did not answer", map[string]any{"type": "missed_call"})
}

func (n *PushNotifier) send(userID, title, body string, data map[string]any) {
	var subscriptions []models.PushSubscription
	if err := n.db.Where("user_id = ?", userID).Find(&subscriptions).Error; err != nil {
		n.logger.Error("push subscription query failed", "user_id", userID, "error", err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title":   title,
		"body":    body,
		"data":    data,
		"urgency": "high",
	})
	if err != nil {
		return
	}

	for _, sub := range subscriptions {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			n.logger.Warn("push send failed", "user_id", userID, "error", err)
			continue
		}

		// Gone endpoints are pruned so we stop retrying dead subscriptions.
		if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
			n.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}
