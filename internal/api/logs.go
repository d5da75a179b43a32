package api

import (
	"net/http"
	"strconv"

	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/gin-gonic/gin"
)

// logsRecent returns the newest entries of the in-memory log ring.
func logsRecent(c *gin.Context) {
	limit := 200
	if i, err := strconv.Atoi(c.Query("limit")); err == nil && i > 0 {
		limit = i
	}
	level := c.Query("level")
	out := make([]*logging.Entry, 0, limit)
	for _, e := range logging.Recent(limit) {
		if level == "" || e.Level == level {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, out)
}

func logsGetLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": logging.GetLevel()})
}

func logsSetLevel(c *gin.Context) {
	var in struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level required"})
		return
	}
	logging.SetLevel(in.Level)
	c.JSON(http.StatusOK, gin.H{"ok": true, "level": logging.GetLevel()})
}
