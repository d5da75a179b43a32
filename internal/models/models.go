package models

import (
	"time"
)

type Monitor struct {
	Name            string    `gorm:"primaryKey" json:"name"`
	MonitoringStart time.Time `json:"monitoringStart"`
	LastMonitored   time.Time `json:"lastMonitored"`
	Resolution      float64   `json:"resolution"`
	Datasource      string    `json:"datasource"`
	DatasourceID    string    `json:"datasourceId"`
	Harmonics       int       `json:"harmonics"`
	Signal          string    `json:"signal"`
	Metric          string    `json:"metric"`
	Sensitivity     float64   `json:"sensitivity"`
	Boundary        float64   `json:"boundary"`
	Endpoint        string    `json:"endpoint"` // SENTINEL_HUB|CDSE
	State           string    `gorm:"index" json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Backend holds the remote identifiers owned by one monitor for one backend kind.
type Backend struct {
	MonitorName  string    `gorm:"primaryKey" json:"monitorName"`
	Kind         string    `gorm:"primaryKey" json:"kind"` // ProcessAPI|AsyncAPI
	BucketName   string    `json:"bucketName"`
	FolderName   string    `json:"folderName"`
	CollectionID string    `json:"collectionId"`
	InstanceID   string    `json:"instanceId"`
	RandomID     string    `json:"randomId"`
	Rollback     bool      `json:"rollback"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type AreaOfInterest struct {
	MonitorName     string  `gorm:"primaryKey" json:"monitorName"`
	FeatureID       string  `gorm:"primaryKey" json:"featureId"`
	Geometry        string  `json:"geometry"` // GeoJSON polygon, WGS84
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	MonitoredPixels *int64  `json:"monitoredPixels"`
	DisturbedPixels int64   `json:"disturbedPixels"`
}

func (AreaOfInterest) TableName() string { return "areas_of_interest" }

type MonitoringResult struct {
	MonitorName  string    `gorm:"primaryKey" json:"monitorName"`
	FeatureID    string    `gorm:"primaryKey" json:"featureId"`
	Date         time.Time `gorm:"primaryKey" json:"date"`
	NewDisturbed int64     `json:"newDisturbed"`
}

type Metadata struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (Metadata) TableName() string { return "metadata" }
