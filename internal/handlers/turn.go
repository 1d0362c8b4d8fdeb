package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE server list clients feed into their
// RTCPeerConnection. The embedded TURN server also answers STUN, so both
// URLs point at the same port. The relay is UDP-only; media stays encrypted
// end to end via DTLS-SRTP regardless.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.GetCredentials()

	stunURL := fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []map[string]interface{}{
			{
				"urls": stunURL,
			},
			{
				"urls":       turnURL,
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}
