package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/arencloud/disturbancemonitor/internal/service"
	"github.com/gin-gonic/gin"
)

// Monitors is the lifecycle surface the handlers drive.
type Monitors interface {
	Start(ctx context.Context, req service.CreateRequest) (service.Status, error)
	RunCycle(ctx context.Context, name string, kind monitor.BackendKind, end time.Time) (service.CycleReport, error)
	Delete(ctx context.Context, name string, purge bool) error
	Recover(ctx context.Context, name string) (monitor.State, error)
	Share(ctx context.Context, name string, kind monitor.BackendKind, accountID string) error
	Describe(ctx context.Context, name string) (service.Status, error)
	List(ctx context.Context) ([]monitor.Params, error)
	Results(ctx context.Context, name, featureID string) ([]monitor.Result, error)
	ClearResults(ctx context.Context, name, featureID string) error
}

type server struct {
	monitors Monitors
	logger   logging.Logger
}

type createBody struct {
	Name            string          `json:"name" binding:"required"`
	MonitoringStart string          `json:"monitoringStart" binding:"required"`
	Resolution      float64         `json:"resolution"`
	Datasource      string          `json:"datasource"`
	Harmonics       int             `json:"harmonics"`
	Signal          string          `json:"signal"`
	Metric          string          `json:"metric"`
	Sensitivity     float64         `json:"sensitivity"`
	Boundary        float64         `json:"boundary"`
	Endpoint        string          `json:"endpoint"`
	Backend         string          `json:"backend"`
	Overwrite       bool            `json:"overwrite"`
	IDProperty      string          `json:"idProperty"`
	Geometry        json.RawMessage `json:"geometry" binding:"required"`
}

func (b createBody) request() (service.CreateRequest, error) {
	start, err := monitor.ParseDay(b.MonitoringStart)
	if err != nil {
		return service.CreateRequest{}, err
	}
	kind, err := monitor.ParseBackendKind(b.Backend)
	if err != nil {
		return service.CreateRequest{}, failure.Wrap(failure.ErrInvalidInput, "create monitor", err)
	}
	idProperty := b.IDProperty
	if idProperty == "" {
		idProperty = "id"
	}
	features, err := geometry.Parse(b.Geometry, idProperty)
	if err != nil {
		return service.CreateRequest{}, err
	}
	return service.CreateRequest{
		Params: monitor.Params{
			Name:            b.Name,
			MonitoringStart: start,
			Resolution:      b.Resolution,
			Datasource:      b.Datasource,
			Harmonics:       b.Harmonics,
			Signal:          b.Signal,
			Metric:          b.Metric,
			Sensitivity:     b.Sensitivity,
			Boundary:        b.Boundary,
			Endpoint:        monitor.Endpoint(b.Endpoint),
		},
		Features:  features,
		Kind:      kind,
		Overwrite: b.Overwrite,
	}, nil
}

func (s *server) createMonitor(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, failure.Wrap(failure.ErrInvalidInput, "create monitor", err))
		return
	}
	req, err := body.request()
	if err != nil {
		s.respondError(c, err)
		return
	}
	st, err := s.monitors.Start(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *server) listMonitors(c *gin.Context) {
	all, err := s.monitors.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

func (s *server) getMonitor(c *gin.Context) {
	st, err := s.monitors.Describe(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type cycleBody struct {
	End     string `json:"end"`
	Backend string `json:"backend"`
}

func (s *server) runCycle(c *gin.Context) {
	var body cycleBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			s.respondError(c, failure.Wrap(failure.ErrInvalidInput, "run cycle", err))
			return
		}
	}
	end := time.Now().UTC()
	if body.End != "" {
		d, err := monitor.ParseDay(body.End)
		if err != nil {
			s.respondError(c, err)
			return
		}
		end = d
	}
	kind, err := monitor.ParseBackendKind(body.Backend)
	if err != nil {
		s.respondError(c, failure.Wrap(failure.ErrInvalidInput, "run cycle", err))
		return
	}
	report, err := s.monitors.RunCycle(c.Request.Context(), c.Param("name"), kind, end)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) recoverMonitor(c *gin.Context) {
	state, err := s.monitors.Recover(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "state": state})
}

type shareBody struct {
	AccountID string `json:"accountId" binding:"required"`
	Backend   string `json:"backend"`
}

func (s *server) shareMonitor(c *gin.Context) {
	var body shareBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, failure.Wrap(failure.ErrInvalidInput, "share monitor", err))
		return
	}
	kind, err := monitor.ParseBackendKind(body.Backend)
	if err != nil {
		s.respondError(c, failure.Wrap(failure.ErrInvalidInput, "share monitor", err))
		return
	}
	if err := s.monitors.Share(c.Request.Context(), c.Param("name"), kind, body.AccountID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "accountId": body.AccountID})
}

func (s *server) deleteMonitor(c *gin.Context) {
	purge, _ := strconv.ParseBool(c.Query("purge"))
	if err := s.monitors.Delete(c.Request.Context(), c.Param("name"), purge); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) listResults(c *gin.Context) {
	rs, err := s.monitors.Results(c.Request.Context(), c.Param("name"), c.Query("feature"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (s *server) clearResults(c *gin.Context) {
	if err := s.monitors.ClearResults(c.Request.Context(), c.Param("name"), c.Query("feature")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
