package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds security headers to all responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// connect-src covers the signaling WebSocket upgrade
		c.Writer.Header().Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' wss:")
		c.Writer.Header().Set("Permissions-Policy", "geolocation=()")
		c.Next()
	}
}
