package middleware

import (
	"net/http"

	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// Recoverer turns a handler panic into a logged 500.
func Recoverer(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", "error", rec, "path", c.Request.URL.Path, "requestId", requestid.Get(c))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
