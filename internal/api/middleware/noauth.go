package middleware

import (
	"github.com/gin-gonic/gin"
)

// AnonymousUser owns every chat, image and queue when AUTH_MODE=none
const AnonymousUser = "anonymous"

// NoAuth is a pass-through middleware for self-hosted installs.
// All requests act as one shared user.
func NoAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		setUser(c, AnonymousUser, "", "")
		c.Next()
	}
}
