package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lumenclass/marginalia/backend/internal/store"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWorkspaceSocket upgrades the connection and hands it to the hub,
// which serves it until disconnect.
func (h *httpHandler) handleWorkspaceSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	participant, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("socket token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	workspaceID := c.Param("id")
	if _, err := h.store.GetWorkspace(c.Request.Context(), workspaceID); err != nil {
		if errors.Is(err, store.ErrWorkspaceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workspace_not_found"})
			return
		}
		h.logger.Error("workspace lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "workspace_lookup_failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if err := h.hub.Serve(c.Request.Context(), workspaceID, conn, participant.Name, participant.Color); err != nil {
		h.logger.Warn("workspace session ended with error",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
}
