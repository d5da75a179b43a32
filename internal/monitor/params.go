package monitor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/go-playground/validator/v10"
)

// Endpoint selects the SaaS deployment a monitor talks to.
type Endpoint string

const (
	SentinelHub Endpoint = "SENTINEL_HUB"
	CDSE        Endpoint = "CDSE"
)

// fitWindow is the length of history used to fit the model.
const fitWindow = 365 * 24 * time.Hour

// Datasources maps the short datasource names to catalog collection ids.
var Datasources = map[string]string{
	"S2L2A": "sentinel-2-l2a",
	"S2L1C": "sentinel-2-l1c",
	"S1GRD": "sentinel-1-grd",
	"LOTL2": "landsat-ot-l2",
}

// Params are the persisted parameters of one monitor.
type Params struct {
	Name            string    `json:"name" validate:"required,max=54,monitorname"`
	MonitoringStart time.Time `json:"monitoringStart" validate:"required"`
	LastMonitored   time.Time `json:"lastMonitored"`
	Resolution      float64   `json:"resolution" validate:"gt=0"`
	Datasource      string    `json:"datasource" validate:"required"`
	DatasourceID    string    `json:"datasourceId" validate:"required"`
	Harmonics       int       `json:"harmonics" validate:"gte=1,lte=6"`
	Signal          string    `json:"signal" validate:"required"`
	Metric          string    `json:"metric" validate:"oneof=RMSE MAD"`
	Sensitivity     float64   `json:"sensitivity" validate:"gt=0"`
	Boundary        float64   `json:"boundary" validate:"gt=0"`
	Endpoint        Endpoint  `json:"endpoint" validate:"oneof=SENTINEL_HUB CDSE"`
	State           State     `json:"state"`
}

// bucket names are derived from the monitor name, so it must be DNS friendly
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("monitorname", func(fl validator.FieldLevel) bool {
		return nameRe.MatchString(fl.Field().String())
	})
	return v
}()

// ApplyDefaults fills unset fields the way a new monitor is created.
func (p *Params) ApplyDefaults() {
	if p.Resolution == 0 {
		p.Resolution = 50
	}
	if p.Datasource == "" {
		p.Datasource = "S2L2A"
	}
	if p.DatasourceID == "" {
		p.DatasourceID = Datasources[p.Datasource]
	}
	if p.Harmonics == 0 {
		p.Harmonics = 2
	}
	if p.Signal == "" {
		p.Signal = "NDVI"
	}
	if p.Metric == "" {
		p.Metric = "RMSE"
	}
	if p.Sensitivity == 0 {
		p.Sensitivity = 5
	}
	if p.Boundary == 0 {
		p.Boundary = 5
	}
	if p.Endpoint == "" {
		p.Endpoint = SentinelHub
	}
	if p.State == "" {
		p.State = NotInitialized
	}
	p.MonitoringStart = Day(p.MonitoringStart)
	if p.LastMonitored.IsZero() {
		p.LastMonitored = p.MonitoringStart
	}
}

// Validate checks the parameters and returns a failure.ErrInvalidInput error.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return failure.Wrap(failure.ErrInvalidInput, "validate monitor "+p.Name, err)
	}
	if !p.State.Valid() {
		return failure.New(failure.ErrInvalidInput, "validate monitor "+p.Name, fmt.Sprintf("unknown state %q", p.State))
	}
	if p.LastMonitored.Before(p.MonitoringStart) {
		return failure.New(failure.ErrInvalidInput, "validate monitor "+p.Name, "last monitored date precedes monitoring start")
	}
	return nil
}

// FitStart is the first day of the model fitting window.
func (p Params) FitStart() time.Time {
	return p.MonitoringStart.Add(-fitWindow)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, failure.Wrap(failure.ErrInvalidInput, "parse date", err)
	}
	return t, nil
}
