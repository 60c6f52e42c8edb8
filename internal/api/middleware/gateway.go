package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GatewayAuth trusts user info forwarded by the hosting gateway
// (X-User-ID, X-User-Email, X-User-Role).
//
// The gateway validates credentials and billing before proxying, so these
// headers are accepted unconditionally. Only run AUTH_MODE=gateway behind it.
func GatewayAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Authentication required",
				"message": "Missing X-User-ID header from gateway",
			})
			return
		}

		setUser(c, userID, c.GetHeader("X-User-Email"), c.GetHeader("X-User-Role"))
		c.Next()
	}
}
