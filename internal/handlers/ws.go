package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"

	"github.com/kincall/signal/internal/models"
	"github.com/kincall/signal/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	channelID string
	closeOnce sync.Once
}

func (c *wsClient) ChannelID() string {
	return c.channelID
}

// Send queues an enveloped event for the write pump. It never blocks; a
// full queue means the client is not draining and the message is dropped.
func (c *wsClient) Send(event string, data any) (ok bool) {
	payload, err := json.Marshal(wsEnvelope{Event: event, Data: mustMarshal(data)})
	if err != nil {
		return false
	}
	return c.trySend(payload)
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Inbound payloads. Field names follow the wire contract used by the
// mobile and web clients (camelCase).
type initiateCallRequest struct {
	CalleeID string `json:"calleeId"`
	HasVideo bool   `json:"hasVideo"`
}

type acceptCallRequest struct {
	SessionID   string `json:"sessionId"`
	DataConsent bool   `json:"dataConsent"`
}

type rejectCallRequest struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type endCallRequest struct {
	SessionID string `json:"sessionId"`
}

type sdpMessage struct {
	SessionID string          `json:"sessionId"`
	SDP       json.RawMessage `json:"sdp"`
}

type candidateMessage struct {
	SessionID string          `json:"sessionId"`
	Candidate json.RawMessage `json:"candidate"`
}

type connectionStateReport struct {
	SessionID string                  `json:"sessionId"`
	State     string                  `json:"state"`
	Metrics   *session.QualityMetrics `json:"metrics"`
}

type callInitiatedAck struct {
	SessionID string `json:"sessionId"`
}

type callErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

func (h *Handlers) HandleWebSocket(c *gin.Context) {
	// Authenticate before upgrading; browsers cannot set headers on the
	// WebSocket handshake, so the token may also arrive as a query param.
	tokenString := c.Query("token")
	if tokenString == "" {
		tokenString = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	userID, err := h.verifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unknown user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	channelID, err := gonanoid.New()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate channel"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		send:      make(chan []byte, 32),
		userID:    userID,
		channelID: channelID,
	}

	// Last writer wins: a reconnect replaces the previous channel and the
	// old connection is torn down.
	if replaced := h.presence.Register(userID, client); replaced != nil {
		if old, ok := replaced.(*wsClient); ok {
			_ = old.conn.Close()
			old.closeSend()
		}
	}
	h.logger.Info("ws connected", "user_id", userID, "channel_id", channelID, "ip", c.ClientIP())

	go h.writePump(client)
	h.readPump(client, user.Name())
}

func (h *Handlers) readPump(client *wsClient, displayName string) {
	defer func() {
		_ = client.conn.Close()
		client.closeSend()

		// Only the channel that still owns the presence entry reaps the
		// user's live calls; a replaced connection must not end the calls
		// of its successor.
		if h.presence.Unregister(client.userID, client.channelID) {
			h.sessions.HandleDisconnect(client.userID)
		}
		h.logger.Info("ws disconnected", "user_id", client.userID, "channel_id", client.channelID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug("ws bad json", "user_id", client.userID, "error", err)
			continue
		}

		h.dispatch(client, displayName, msg)
	}
}

func (h *Handlers) dispatch(client *wsClient, displayName string, msg wsEnvelope) {
	switch msg.Event {
	case "ping":
		client.Send("pong", nil)

	case "initiateCall":
		var req initiateCallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.CalleeID == "" {
			h.sendError(client, "", "bad_request", "calleeId is required")
			return
		}
		created, err := h.sessions.Initiate(client.userID, displayName, req.CalleeID, req.HasVideo)
		if err != nil {
			h.sendError(client, "", errorCode(err), err.Error())
			return
		}
		client.Send("callInitiated", callInitiatedAck{SessionID: created.SessionID})

	case "acceptCall":
		var req acceptCallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid acceptCall payload")
			return
		}
		if err := h.sessions.Accept(req.SessionID, client.userID, req.DataConsent); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "rejectCall":
		var req rejectCallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid rejectCall payload")
			return
		}
		if err := h.sessions.Reject(req.SessionID, client.userID, req.Reason); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "endCall":
		var req endCallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid endCall payload")
			return
		}
		if err := h.sessions.End(req.SessionID, client.userID); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "rtcOffer":
		var req sdpMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid rtcOffer payload")
			return
		}
		if err := h.sessions.RelayOffer(req.SessionID, client.userID, req.SDP); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "rtcAnswer":
		var req sdpMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid rtcAnswer payload")
			return
		}
		if err := h.sessions.RelayAnswer(req.SessionID, client.userID, req.SDP); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "iceCandidate":
		var req candidateMessage
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendError(client, "", "bad_request", "invalid iceCandidate payload")
			return
		}
		if err := h.sessions.RelayCandidate(req.SessionID, client.userID, req.Candidate); err != nil {
			h.sendError(client, req.SessionID, errorCode(err), err.Error())
		}

	case "connectionStateReport":
		var req connectionStateReport
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		// Best effort telemetry; stale reports are silently ignored.
		_ = h.sessions.ReportConnectionState(req.SessionID, client.userID, req.State, req.Metrics)

	default:
		h.logger.Debug("ws unknown event", "user_id", client.userID, "event", msg.Event)
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) sendError(client *wsClient, sessionID, code, message string) {
	client.Send("callError", callErrorPayload{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, session.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, session.ErrAlreadyInCall):
		return "already_in_call"
	case errors.Is(err, session.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, session.ErrSelfCall):
		return "self_call"
	default:
		return "internal"
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}
