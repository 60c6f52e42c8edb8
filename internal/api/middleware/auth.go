package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/Conceptual-Machines/nativeads-api/internal/config"
)

// Auth selects the authentication middleware for cfg.AuthMode
func Auth(cfg *config.Config) gin.HandlerFunc {
	switch cfg.AuthMode {
	case config.AuthModeGateway:
		return GatewayAuth()
	case config.AuthModeJWT:
		return JWTAuth(cfg.JWTSecret)
	default:
		return NoAuth()
	}
}

func setUser(c *gin.Context, id, email, role string) {
	c.Set("user_id_str", id)
	if email != "" {
		c.Set("user_email", email)
	}
	if role != "" {
		c.Set("user_role", role)
	}
}

// UserID returns the authenticated user's id
func UserID(c *gin.Context) string {
	return c.GetString("user_id_str")
}
