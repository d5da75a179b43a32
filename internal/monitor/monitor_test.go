package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{NotInitialized, Initializing, true},
		{Initializing, Initialized, true},
		{Initializing, NotInitialized, true},
		{Initialized, Updating, true},
		{Updating, Initialized, true},
		{Initialized, Deleting, true},
		{Deleting, Deleted, true},
		{Deleting, NotInitialized, true},
		{Deleted, NotInitialized, true},
		{NotInitialized, Initialized, false},
		{Initialized, Initializing, false},
		{Deleted, Initialized, false},
		{Updating, Updating, false},
	}
	for _, c := range cases {
		err := Transition(c.from, c.to)
		if c.ok {
			assert.NoError(t, err, "%s -> %s", c.from, c.to)
			continue
		}
		var te *TransitionError
		require.True(t, errors.As(err, &te), "%s -> %s", c.from, c.to)
		assert.Equal(t, c.from, te.From)
		assert.Contains(t, err.Error(), string(c.to))
	}
}

func TestInProgress(t *testing.T) {
	assert.True(t, Initializing.InProgress())
	assert.True(t, Updating.InProgress())
	assert.True(t, Deleting.InProgress())
	assert.False(t, Initialized.InProgress())
	assert.False(t, Deleted.InProgress())
	assert.False(t, State("BOGUS").Valid())
}

func TestApplyDefaultsAndFitStart(t *testing.T) {
	p := Params{Name: "Forest", MonitoringStart: time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)}
	p.ApplyDefaults()
	require.NoError(t, p.Validate())

	assert.Equal(t, 50.0, p.Resolution)
	assert.Equal(t, "sentinel-2-l2a", p.DatasourceID)
	assert.Equal(t, 2, p.Harmonics)
	assert.Equal(t, "NDVI", p.Signal)
	assert.Equal(t, "RMSE", p.Metric)
	assert.Equal(t, SentinelHub, p.Endpoint)
	assert.Equal(t, NotInitialized, p.State)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), p.MonitoringStart)
	assert.Equal(t, p.MonitoringStart, p.LastMonitored)
	assert.Equal(t, time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC), p.FitStart())
}

func TestValidateRejects(t *testing.T) {
	base := func() Params {
		p := Params{Name: "forest", MonitoringStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		p.ApplyDefaults()
		return p
	}
	cases := map[string]func(*Params){
		"bad name":     func(p *Params) { p.Name = "my forest" },
		"empty name":   func(p *Params) { p.Name = "" },
		"bad endpoint": func(p *Params) { p.Endpoint = "ELSEWHERE" },
		"bad metric":   func(p *Params) { p.Metric = "MAE" },
		"cursor":       func(p *Params) { p.LastMonitored = p.MonitoringStart.AddDate(0, 0, -1) },
		"state":        func(p *Params) { p.State = "SOMETHING" },
	}
	for name, mutate := range cases {
		p := base()
		mutate(&p)
		err := p.Validate()
		assert.ErrorIs(t, err, failure.ErrInvalidInput, name)
	}
}

func TestNewBackendConfig(t *testing.T) {
	cfg := NewBackendConfig(AsyncAPI, "My-Forest", true)
	assert.Equal(t, AsyncAPI, cfg.Kind)
	assert.Len(t, cfg.RandomID, 8)
	assert.Regexp(t, `^[a-z0-9]{8}$`, cfg.RandomID)
	assert.Equal(t, "my-forest-"+cfg.RandomID, cfg.BucketName)
	assert.Equal(t, "my-forest", cfg.FolderName)
	assert.True(t, cfg.Rollback)
	assert.NotEqual(t, cfg.RandomID, NewBackendConfig(AsyncAPI, "My-Forest", true).RandomID)
}

func TestParseBackendKind(t *testing.T) {
	k, err := ParseBackendKind("async")
	require.NoError(t, err)
	assert.Equal(t, AsyncAPI, k)
	k, err = ParseBackendKind("")
	require.NoError(t, err)
	assert.Equal(t, ProcessAPI, k)
	_, err = ParseBackendKind("batch")
	assert.Error(t, err)
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-05-06")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), d)
	_, err = ParseDay("06/05/2024")
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
}
