package resource

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/sentinel"
)

// ConfigurationAPI is the viewer-configuration surface of the SaaS.
type ConfigurationAPI interface {
	CreateInstance(ctx context.Context, in sentinel.Instance) (string, error)
	AddCollectionLayer(ctx context.Context, instanceID, title, evalscript, collectionID string) (string, error)
	DeleteInstance(ctx context.Context, id string) error
}

// Visualization is the viewer configuration of one monitor.
type Visualization struct {
	InstanceID  string
	MonitorName string
	ViewerBase  string

	api ConfigurationAPI
}

func NewVisualization(api ConfigurationAPI, instanceID, monitorName, viewerBase string) *Visualization {
	return &Visualization{InstanceID: instanceID, MonitorName: monitorName, ViewerBase: viewerBase, api: api}
}

func (v *Visualization) Describe() string { return "visualization " + v.MonitorName + " (" + v.InstanceID + ")" }

func (v *Visualization) Create(ctx context.Context) error {
	id, err := v.api.CreateInstance(ctx, sentinel.MonitorInstance(v.MonitorName))
	if err != nil {
		return failure.Wrap(failure.ErrRemoteCreation, "create visualization "+v.MonitorName, err)
	}
	v.InstanceID = id
	return nil
}

// AddLayer binds a rendering script to the collection and returns the layer id.
func (v *Visualization) AddLayer(ctx context.Context, title, evalscript, collectionID string) (string, error) {
	id, err := v.api.AddCollectionLayer(ctx, v.InstanceID, title, evalscript, collectionID)
	if err != nil {
		return "", failure.Wrap(failure.ErrRemoteCreation, "create layer "+title, err)
	}
	return id, nil
}

// ViewerURL links to the layer centred on lat/lng on date.
func (v *Visualization) ViewerURL(lat, lng float64, collectionID, layerID string, date time.Time) string {
	day := date.Format(time.DateOnly) + "T00:00:00.000Z"
	params := [][2]string{
		{"zoom", "16"},
		{"lat", strconv.FormatFloat(lat, 'f', -1, 64)},
		{"lng", strconv.FormatFloat(lng, 'f', -1, 64)},
		{"themeId", v.InstanceID},
		{"datasetId", collectionID},
		{"fromTime", day},
		{"toTime", day},
		{"layerId", layerID},
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p[0] + "=" + url.QueryEscape(p[1])
	}
	return v.ViewerBase + strings.Join(parts, "&")
}

func (v *Visualization) Delete(ctx context.Context) (DeleteStatus, error) {
	if v.InstanceID == "" {
		return AlreadyAbsent, nil
	}
	err := v.api.DeleteInstance(ctx, v.InstanceID)
	if errors.Is(err, failure.ErrNotFound) {
		return AlreadyAbsent, nil
	}
	if err != nil {
		return DeleteFailed, failure.Wrap(failure.ErrDeletion, "delete visualization "+v.InstanceID, err)
	}
	return Deleted, nil
}
