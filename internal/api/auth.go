package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// requireToken checks "Authorization: Bearer <token>" against a bcrypt hash.
// An empty hash disables the check.
func requireToken(hash string) gin.HandlerFunc {
	if hash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
