package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"anichat-rt/internal/auth"
)

const userIDContextKey = "userID"

func UserIDFromContext(c *gin.Context) (string, bool) {
	id := c.GetString(userIDContextKey)
	return id, id != ""
}

// RequireAuth accepts a bearer token or the session cookie. Expired tokens
// are told apart from missing ones so clients know to refresh.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := auth.VerifyToken(auth.TokenFromRequest(c.Request), cfg)
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			c.Header("WWW-Authenticate", `Bearer realm="anichat"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}
