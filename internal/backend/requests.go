package backend

import (
	"encoding/json"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/sentinel"
)

const (
	observations = "observations"
	model        = "model"
)

func stamp(t time.Time, clock string) string {
	return t.Format(time.DateOnly) + "T" + clock + "Z"
}

func window(from, to time.Time, toClock string) sentinel.TimeRange {
	return sentinel.TimeRange{From: stamp(from, "00:00:00"), To: stamp(to, toClock)}
}

func (b *Backend) request(geometry json.RawMessage, script string, data []sentinel.Data, outputs ...sentinel.Response) sentinel.ProcessRequest {
	return sentinel.ProcessRequest{
		Input: sentinel.Input{
			Bounds: sentinel.Bounds{Geometry: geometry, Properties: sentinel.BoundsProperties{CRS: sentinel.CRS84}},
			Data:   data,
		},
		Output: sentinel.Output{
			ResX:      b.params.Resolution,
			ResY:      b.params.Resolution,
			Responses: outputs,
		},
		Evalscript: script,
	}
}

// history is the fitting window of the observations.
func (b *Backend) history(id string) sentinel.Data {
	return sentinel.Data{
		Type: b.params.DatasourceID,
		ID:   id,
		DataFilter: sentinel.DataFilter{
			TimeRange:       window(b.params.FitStart(), b.params.MonitoringStart, "00:00:00"),
			MosaickingOrder: "leastRecent",
		},
	}
}

// fitted reads the model tile ingested at the monitoring start.
func (b *Backend) fitted(from time.Time) sentinel.Data {
	return sentinel.Data{
		Type:       "byoc-" + b.cfg.CollectionID,
		ID:         model,
		DataFilter: sentinel.DataFilter{TimeRange: window(from, b.params.MonitoringStart, "23:59:59")},
	}
}

func (b *Backend) fitRequest(geometry json.RawMessage, script string) sentinel.ProcessRequest {
	return b.request(geometry, script,
		[]sentinel.Data{b.history("")},
		sentinel.TIFF("c"), sentinel.TIFF("metric"), sentinel.TIFF("disturbedDate"), sentinel.TIFF("process"))
}

func (b *Backend) metricRequest(geometry json.RawMessage, script string) sentinel.ProcessRequest {
	return b.request(geometry, script,
		[]sentinel.Data{b.history(observations), b.fitted(b.params.FitStart())},
		sentinel.TIFF("metric"), sentinel.JSON("userdata"))
}

func (b *Backend) predictRequest(geometry json.RawMessage, script string, from, to time.Time) sentinel.ProcessRequest {
	obs := sentinel.Data{
		Type: b.params.DatasourceID,
		ID:   observations,
		DataFilter: sentinel.DataFilter{
			TimeRange:       window(from, to, "23:59:59"),
			MosaickingOrder: "leastRecent",
		},
	}
	return b.request(geometry, script,
		[]sentinel.Data{obs, b.fitted(b.params.MonitoringStart)},
		sentinel.TIFF("disturbedDate"), sentinel.TIFF("process"), sentinel.JSON("userdata"))
}
