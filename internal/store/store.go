// Package store persists monitors, their backend configurations, areas of
// interest and monitoring results with gorm. Every write is an upsert keyed
// by primary key so retried operations stay safe.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arencloud/disturbancemonitor/internal/failure"
	"github.com/arencloud/disturbancemonitor/internal/geometry"
	"github.com/arencloud/disturbancemonitor/internal/models"
	"github.com/arencloud/disturbancemonitor/internal/monitor"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

func wrap(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return failure.Wrap(failure.ErrNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMonitor(p monitor.Params) models.Monitor {
	return models.Monitor{
		Name:            p.Name,
		MonitoringStart: p.MonitoringStart,
		LastMonitored:   p.LastMonitored,
		Resolution:      p.Resolution,
		Datasource:      p.Datasource,
		DatasourceID:    p.DatasourceID,
		Harmonics:       p.Harmonics,
		Signal:          p.Signal,
		Metric:          p.Metric,
		Sensitivity:     p.Sensitivity,
		Boundary:        p.Boundary,
		Endpoint:        string(p.Endpoint),
		State:           string(p.State),
	}
}

func fromMonitor(m models.Monitor) monitor.Params {
	return monitor.Params{
		Name:            m.Name,
		MonitoringStart: m.MonitoringStart.UTC(),
		LastMonitored:   m.LastMonitored.UTC(),
		Resolution:      m.Resolution,
		Datasource:      m.Datasource,
		DatasourceID:    m.DatasourceID,
		Harmonics:       m.Harmonics,
		Signal:          m.Signal,
		Metric:          m.Metric,
		Sensitivity:     m.Sensitivity,
		Boundary:        m.Boundary,
		Endpoint:        monitor.Endpoint(m.Endpoint),
		State:           monitor.State(m.State),
	}
}

// monitorColumns are rewritten when a monitor is saved again; created_at
// keeps the first save.
var monitorColumns = []string{
	"monitoring_start", "last_monitored", "resolution", "datasource", "datasource_id",
	"harmonics", "signal", "metric", "sensitivity", "boundary", "endpoint", "state", "updated_at",
}

func (s *Store) SaveMonitorParams(ctx context.Context, p monitor.Params) error {
	row := toMonitor(p)
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns(monitorColumns),
	}
	if err := s.db.WithContext(ctx).Clauses(upsert).Create(&row).Error; err != nil {
		return wrap("save monitor "+p.Name, err)
	}
	return nil
}

func (s *Store) LoadMonitorParams(ctx context.Context, name string) (monitor.Params, error) {
	var row models.Monitor
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error; err != nil {
		return monitor.Params{}, wrap("load monitor "+name, err)
	}
	return fromMonitor(row), nil
}

func (s *Store) ListMonitors(ctx context.Context) ([]monitor.Params, error) {
	var rows []models.Monitor
	if err := s.db.WithContext(ctx).Order("name asc").Find(&rows).Error; err != nil {
		return nil, wrap("list monitors", err)
	}
	out := make([]monitor.Params, len(rows))
	for i, r := range rows {
		out[i] = fromMonitor(r)
	}
	return out, nil
}

func (s *Store) MonitorExists(ctx context.Context, name string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Monitor{}).Where("name = ?", name).Count(&n).Error; err != nil {
		return false, wrap("monitor exists "+name, err)
	}
	return n > 0, nil
}

// UpdateMonitorState sets the state of an existing monitor.
func (s *Store) UpdateMonitorState(ctx context.Context, name string, state monitor.State) error {
	res := s.db.WithContext(ctx).Model(&models.Monitor{}).Where("name = ?", name).Update("state", string(state))
	if res.Error != nil {
		return wrap("update state "+name, res.Error)
	}
	if res.RowsAffected == 0 {
		return failure.New(failure.ErrNotFound, "update state "+name, "monitor not found")
	}
	return nil
}

// AdvanceCursor moves last_monitored and sets the state in one write.
func (s *Store) AdvanceCursor(ctx context.Context, name string, to time.Time, state monitor.State) error {
	res := s.db.WithContext(ctx).Model(&models.Monitor{}).Where("name = ?", name).
		Updates(map[string]any{"last_monitored": to, "state": string(state)})
	if res.Error != nil {
		return wrap("advance cursor "+name, res.Error)
	}
	if res.RowsAffected == 0 {
		return failure.New(failure.ErrNotFound, "advance cursor "+name, "monitor not found")
	}
	return nil
}

func toBackend(name string, c monitor.BackendConfig) models.Backend {
	return models.Backend{
		MonitorName:  name,
		Kind:         string(c.Kind),
		BucketName:   c.BucketName,
		FolderName:   c.FolderName,
		CollectionID: c.CollectionID,
		InstanceID:   c.InstanceID,
		RandomID:     c.RandomID,
		Rollback:     c.Rollback,
	}
}

func fromBackend(b models.Backend) monitor.BackendConfig {
	return monitor.BackendConfig{
		Kind:         monitor.BackendKind(b.Kind),
		BucketName:   b.BucketName,
		FolderName:   b.FolderName,
		CollectionID: b.CollectionID,
		InstanceID:   b.InstanceID,
		RandomID:     b.RandomID,
		Rollback:     b.Rollback,
	}
}

func (s *Store) SaveBackendConfig(ctx context.Context, name string, cfg monitor.BackendConfig) error {
	row := toBackend(name, cfg)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return wrap("save backend "+name+"/"+string(cfg.Kind), err)
	}
	return nil
}

func (s *Store) LoadBackendConfig(ctx context.Context, name string, kind monitor.BackendKind) (monitor.BackendConfig, error) {
	var row models.Backend
	err := s.db.WithContext(ctx).Where("monitor_name = ? AND kind = ?", name, string(kind)).First(&row).Error
	if err != nil {
		return monitor.BackendConfig{}, wrap("load backend "+name+"/"+string(kind), err)
	}
	return fromBackend(row), nil
}

func (s *Store) ListBackends(ctx context.Context, name string) ([]monitor.BackendConfig, error) {
	var rows []models.Backend
	if err := s.db.WithContext(ctx).Where("monitor_name = ?", name).Order("kind asc").Find(&rows).Error; err != nil {
		return nil, wrap("list backends "+name, err)
	}
	out := make([]monitor.BackendConfig, len(rows))
	for i, r := range rows {
		out[i] = fromBackend(r)
	}
	return out, nil
}

// BackendExists reports whether the monitor row, the backend row exist and
// whether the monitor finished provisioning.
func (s *Store) BackendExists(ctx context.Context, name string, kind monitor.BackendKind) (monitor.Presence, error) {
	var p monitor.Presence
	var m models.Monitor
	err := s.db.WithContext(ctx).Select("name", "state").Where("name = ?", name).First(&m).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return p, wrap("backend exists "+name, err)
	default:
		p.Monitor = true
		st := monitor.State(m.State)
		p.Initialized = st == monitor.Initialized || st == monitor.Updating
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Backend{}).Where("monitor_name = ? AND kind = ?", name, string(kind)).Count(&n).Error; err != nil {
		return p, wrap("backend exists "+name, err)
	}
	p.Backend = n > 0
	return p, nil
}

// SaveGeometry replaces the areas of interest of a monitor.
func (s *Store) SaveGeometry(ctx context.Context, name string, features []geometry.Feature) error {
	rows := make([]models.AreaOfInterest, len(features))
	for i, f := range features {
		g, err := f.GeoJSON()
		if err != nil {
			return err
		}
		rows[i] = models.AreaOfInterest{
			MonitorName:     name,
			FeatureID:       f.ID,
			Geometry:        string(g),
			Lat:             f.Lat,
			Lng:             f.Lng,
			MonitoredPixels: f.MonitoredPixels,
			DisturbedPixels: f.DisturbedPixels,
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("monitor_name = ?", name).Delete(&models.AreaOfInterest{}).Error; err != nil {
			return wrap("save geometry "+name, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return wrap("save geometry "+name, err)
		}
		return nil
	})
}

// LoadGeometry returns the features ordered by id, or failure.ErrNotFound
// when the monitor has none.
func (s *Store) LoadGeometry(ctx context.Context, name string) ([]geometry.Feature, error) {
	var rows []models.AreaOfInterest
	if err := s.db.WithContext(ctx).Where("monitor_name = ?", name).Order("feature_id asc").Find(&rows).Error; err != nil {
		return nil, wrap("load geometry "+name, err)
	}
	if len(rows) == 0 {
		return nil, failure.New(failure.ErrNotFound, "load geometry "+name, "no areas of interest")
	}
	out := make([]geometry.Feature, len(rows))
	for i, r := range rows {
		f, err := geometry.NewFeature(r.FeatureID, []byte(r.Geometry))
		if err != nil {
			return nil, err
		}
		f.MonitoredPixels = r.MonitoredPixels
		f.DisturbedPixels = r.DisturbedPixels
		out[i] = f
	}
	return out, nil
}

func (s *Store) UpdateMonitoredPixels(ctx context.Context, name string, pixels map[string]int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, n := range pixels {
			err := tx.Model(&models.AreaOfInterest{}).
				Where("monitor_name = ? AND feature_id = ?", name, id).
				Update("monitored_pixels", n).Error
			if err != nil {
				return wrap("update monitored pixels "+name+"/"+id, err)
			}
		}
		return nil
	})
}

// SaveMonitoringResults inserts results, ignoring (feature, date) pairs
// already stored, and adds the newly inserted counts to the disturbed pixel
// counter of each feature. It returns the number of inserted rows.
func (s *Store) SaveMonitoringResults(ctx context.Context, name string, results []monitor.Result) (int, error) {
	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sums := map[string]int64{}
		for _, r := range results {
			row := models.MonitoringResult{MonitorName: name, FeatureID: r.FeatureID, Date: monitor.Day(r.Date), NewDisturbed: r.NewDisturbed}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return wrap("save results "+name, res.Error)
			}
			if res.RowsAffected > 0 {
				inserted++
				sums[r.FeatureID] += r.NewDisturbed
			}
		}
		for id, n := range sums {
			err := tx.Model(&models.AreaOfInterest{}).
				Where("monitor_name = ? AND feature_id = ?", name, id).
				UpdateColumn("disturbed_pixels", gorm.Expr("disturbed_pixels + ?", n)).Error
			if err != nil {
				return wrap("save results "+name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// LoadMonitoringResults returns results ordered by feature and date. An
// empty featureID loads every feature.
func (s *Store) LoadMonitoringResults(ctx context.Context, name, featureID string) ([]monitor.Result, error) {
	q := s.db.WithContext(ctx).Where("monitor_name = ?", name)
	if featureID != "" {
		q = q.Where("feature_id = ?", featureID)
	}
	var rows []models.MonitoringResult
	if err := q.Order("feature_id asc, date asc").Find(&rows).Error; err != nil {
		return nil, wrap("load results "+name, err)
	}
	out := make([]monitor.Result, len(rows))
	for i, r := range rows {
		out[i] = monitor.Result{FeatureID: r.FeatureID, Date: r.Date.UTC(), NewDisturbed: r.NewDisturbed}
	}
	return out, nil
}

// DeleteMonitoringResults removes results and resets the disturbed pixel
// counters. An empty featureID clears the whole monitor.
func (s *Store) DeleteMonitoringResults(ctx context.Context, name, featureID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := clearResults(tx, name, featureID); err != nil {
			return wrap("delete results "+name, err)
		}
		return nil
	})
}

func clearResults(tx *gorm.DB, name, featureID string) error {
	q := tx.Where("monitor_name = ?", name)
	aoi := tx.Model(&models.AreaOfInterest{}).Where("monitor_name = ?", name)
	if featureID != "" {
		q = q.Where("feature_id = ?", featureID)
		aoi = aoi.Where("feature_id = ?", featureID)
	}
	if err := q.Delete(&models.MonitoringResult{}).Error; err != nil {
		return err
	}
	return aoi.UpdateColumn("disturbed_pixels", 0).Error
}

// ResetMonitor forgets everything remote about a monitor whose resources
// are gone: backend rows and results are removed, disturbed pixel counters
// zeroed and the state set, all in one transaction. Geometry is kept.
func (s *Store) ResetMonitor(ctx context.Context, name string, state monitor.State) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("monitor_name = ?", name).Delete(&models.Backend{}).Error; err != nil {
			return wrap("reset monitor "+name, err)
		}
		if err := clearResults(tx, name, ""); err != nil {
			return wrap("reset monitor "+name, err)
		}
		res := tx.Model(&models.Monitor{}).Where("name = ?", name).Update("state", string(state))
		if res.Error != nil {
			return wrap("reset monitor "+name, res.Error)
		}
		if res.RowsAffected == 0 {
			return failure.New(failure.ErrNotFound, "reset monitor "+name, "monitor not found")
		}
		return nil
	})
}

// DeleteMonitor removes the monitor with its backends, geometry and results.
func (s *Store) DeleteMonitor(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&models.MonitoringResult{}, &models.AreaOfInterest{}, &models.Backend{}} {
			if err := tx.Where("monitor_name = ?", name).Delete(m).Error; err != nil {
				return wrap("delete monitor "+name, err)
			}
		}
		res := tx.Where("name = ?", name).Delete(&models.Monitor{})
		if res.Error != nil {
			return wrap("delete monitor "+name, res.Error)
		}
		if res.RowsAffected == 0 {
			return failure.New(failure.ErrNotFound, "delete monitor "+name, "monitor not found")
		}
		return nil
	})
}
