package api

import (
	"net/http"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch failure.KindOf(err) {
	case failure.ErrNotFound:
		return http.StatusNotFound
	case failure.ErrAlreadyExists, failure.ErrInterrupted, failure.ErrInvalidState:
		return http.StatusConflict
	case failure.ErrInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *server) respondError(c *gin.Context, err error) {
	code := statusFor(err)
	body := gin.H{"error": err.Error(), "requestId": requestid.Get(c)}
	if k := failure.KindOf(err); k != nil {
		body["kind"] = k.Error()
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "requestId", requestid.Get(c), "error", err)
	}
	c.AbortWithStatusJSON(code, body)
}
