package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatroom/internal/models"
	"chatroom/internal/session"
)

// Identity is the session surface the middleware needs.
type Identity interface {
	User() *models.Identity
}

// SessionRequired rejects requests while no identity is signed in and exposes
// the identity as userID and username on the context.
func SessionRequired(sessions Identity) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := sessions.User()
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
			return
		}

		c.Set("userID", user.ID)
		c.Set("username", session.Username(*user))
		c.Next()
	}
}
