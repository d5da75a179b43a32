package evalscript

import (
	"strings"
	"testing"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInject(t *testing.T) {
	src := "//VERSION=3\nconst config =\n// CONFIG\n{};\n// CONFIG\nrun(config);\n// DISCARD FROM HERE\nmodule.exports = {};\n"
	out, err := Inject(src, Config{Harmonics: 3, Datasource: "S2L2A", Input: "NDVI", Sensitivity: 4, Bound: 2})
	require.NoError(t, err)

	assert.Contains(t, out, `{"HARMONICS":3,"DATASOURCE":"S2L2A","INPUT":"NDVI","SENSITIVITY":4,"BOUND":2};`)
	assert.NotContains(t, out, "module.exports")
	assert.NotContains(t, out, "// CONFIG")
	assert.True(t, strings.HasPrefix(out, "//VERSION=3\nconst config =\n"))
	assert.Contains(t, out, "run(config);")
}

func TestInjectWithoutMarkers(t *testing.T) {
	_, err := Inject("//VERSION=3\n", Config{})
	assert.Error(t, err)
}

func TestPrepareEmbeddedScripts(t *testing.T) {
	p := monitor.Params{Name: "forest", MonitoringStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.ApplyDefaults()
	for _, name := range []string{Fit, Metric, Predict} {
		t.Run(name, func(t *testing.T) {
			out, err := Prepare(name, p)
			require.NoError(t, err)
			assert.Contains(t, out, `"HARMONICS":2`)
			assert.Contains(t, out, `"SENSITIVITY":5`)
			assert.NotContains(t, out, "DISCARD FROM HERE")
			assert.Contains(t, out, "function evaluatePixel")
		})
	}
}

func TestRawVisualize(t *testing.T) {
	out, err := Raw(Visualize)
	require.NoError(t, err)
	assert.Contains(t, out, "disturbedDate")

	_, err = Raw("absent")
	assert.Error(t, err)
}
