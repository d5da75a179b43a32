package api

import (
	"net/http"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/metrics"
	"github.com/arencloud/disturbancemonitor/internal/middleware"
	"github.com/arencloud/disturbancemonitor/internal/version"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// Router builds the HTTP surface. Read routes are open; routes that change
// a monitor require the bearer token when cfg.APITokenHash is set.
func Router(cfg *config.Config, logger logging.Logger, monitors Monitors, m *metrics.Metrics) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(requestid.New())
	r.Use(ginzap.Ginzap(logging.Zap(logger), time.RFC3339, true))
	r.Use(middleware.Recoverer(logger))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	s := &server{monitors: monitors, logger: logger}
	api := r.Group("/api")
	api.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": "disturbancemonitor", "version": version.Version, "commit": version.Commit})
	})

	v1 := api.Group("/v1")
	v1.GET("/monitors", s.listMonitors)
	v1.GET("/monitors/:name", s.getMonitor)
	v1.GET("/monitors/:name/results", s.listResults)
	v1.GET("/logs", logsRecent)
	v1.GET("/logs/level", logsGetLevel)

	w := v1.Group("", requireToken(cfg.APITokenHash))
	w.POST("/monitors", s.createMonitor)
	w.POST("/monitors/:name/cycles", s.runCycle)
	w.POST("/monitors/:name/recover", s.recoverMonitor)
	w.POST("/monitors/:name/share", s.shareMonitor)
	w.DELETE("/monitors/:name", s.deleteMonitor)
	w.DELETE("/monitors/:name/results", s.clearResults)
	w.PUT("/logs/level", logsSetLevel)
	return r
}
