package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"crewchat/internal/auth"
)

// Context keys set by AuthMiddleware.
const (
	UserIDKey   = "userID"
	UserNameKey = "userName"
)

// AuthMiddleware validates the bearer token in the Authorization header. The
// token query parameter is accepted too, for websocket and polling handshakes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"), c.Query("token"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := auth.Parse(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserNameKey, claims.UserName)
		c.Next()
	}
}
