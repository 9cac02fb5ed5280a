package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authentication guards the mutating endpoints when a bearer token is
// configured. The local dashboard polls read endpoints unauthenticated; the
// update trigger and cancel paths require the token once one is set.
func Authentication(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "UNAUTHORIZED", "message": "missing or invalid token"}})
			return
		}
		c.Next()
	}
}
