package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/s3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectStoreDrivers(t *testing.T) {
	st, err := ObjectStore(config.StorageConfig{Driver: "aws", Region: "eu-central-1"})
	require.NoError(t, err)
	assert.IsType(t, &s3.AWSClient{}, st)

	st, err = ObjectStore(config.StorageConfig{Driver: "minio", Endpoint: "http://localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.IsType(t, &s3.Client{}, st)

	_, err = ObjectStore(config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)
}

func TestNewWithLocalDefaults(t *testing.T) {
	cfg := &config.Config{
		DBDriver:    "sqlite",
		DBPath:      filepath.Join(t.TempDir(), "dm.db"),
		Storage:     config.StorageConfig{Driver: "aws", Region: "eu-central-1"},
		SentinelHub: config.SentinelHubConfig{Endpoint: "SENTINEL_HUB"},
		Lock:        config.LockConfig{Driver: "local"},
	}
	a, err := New(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Manager)
	all, err := a.Manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNewRejectsUnknownLockDriver(t *testing.T) {
	cfg := &config.Config{
		DBDriver: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "dm.db"),
		Lock:     config.LockConfig{Driver: "zookeeper"},
	}
	_, err := New(context.Background(), cfg, logging.Nop())
	assert.Error(t, err)
}
