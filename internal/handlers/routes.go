package handlers

import (
	"github.com/gin-gonic/gin"
)

// Register mounts every route on router.
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api")
	{
		api.GET("/vapid-public-key", h.GetVAPIDPublicKey)
		api.POST("/subscribe", h.Subscribe)
		api.POST("/unsubscribe", h.Unsubscribe)
		api.GET("/events", h.HandleEvents)
	}

	admin := api.Group("", h.RequireAdmin)
	{
		admin.GET("/subscriptions", h.ListSubscriptions)
		admin.POST("/test-notification", h.SendTestNotification)
	}
}

// CORS uses the frontend origin in http-only mode and allows any origin
// otherwise.
func CORS(httpOnly bool, frontendURI string) gin.HandlerFunc {
	origin := "*"
	if httpOnly && frontendURI != "" {
		origin = frontendURI
	}
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
