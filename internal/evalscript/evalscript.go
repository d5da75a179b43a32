// Package evalscript holds the processing scripts sent to the SaaS and
// fills in their per-monitor configuration.
package evalscript

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/monitor"
)

//go:embed scripts/*.js
var scripts embed.FS

const (
	Fit       = "fit"
	Metric    = "metric"
	Predict   = "predict"
	Visualize = "visualize_disturbed_date"
)

const (
	configMarker  = "// CONFIG"
	discardMarker = "// DISCARD FROM HERE"
)

// Config is injected between the two CONFIG markers.
type Config struct {
	Harmonics   int     `json:"HARMONICS"`
	Datasource  string  `json:"DATASOURCE"`
	Input       string  `json:"INPUT"`
	Sensitivity float64 `json:"SENSITIVITY"`
	Bound       float64 `json:"BOUND"`
}

func ConfigFor(p monitor.Params) Config {
	return Config{
		Harmonics:   p.Harmonics,
		Datasource:  p.Datasource,
		Input:       p.Signal,
		Sensitivity: p.Sensitivity,
		Bound:       p.Boundary,
	}
}

// Raw returns a script unchanged.
func Raw(name string) (string, error) {
	b, err := scripts.ReadFile("scripts/" + name + ".js")
	if err != nil {
		return "", fmt.Errorf("evalscript %s: %w", name, err)
	}
	return string(b), nil
}

// Prepare drops everything after the DISCARD marker and replaces the block
// between the CONFIG markers with the monitor's configuration.
func Prepare(name string, p monitor.Params) (string, error) {
	src, err := Raw(name)
	if err != nil {
		return "", err
	}
	return Inject(src, ConfigFor(p))
}

func Inject(src string, cfg Config) (string, error) {
	src, _, _ = strings.Cut(src, discardMarker)
	parts := strings.Split(src, configMarker)
	if len(parts) < 3 {
		return "", fmt.Errorf("evalscript: expected a %q block", configMarker)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	parts[1] = string(b) + ";"
	return strings.Join(parts, "\n"), nil
}
