package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleEvents streams delivery events. With ?endpoint= it follows one
// subscription; without it every subscription, which needs an admin token.
func (h *Handlers) HandleEvents(c *gin.Context) {
	endpoint := strings.TrimSpace(c.Query("endpoint"))
	if endpoint == "" {
		if err := h.checkAdmin(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Default().Warn("ws upgrade failed", "error", err)
		return
	}
	h.events.Serve(conn, endpoint)
}
