package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arencloud/disturbancemonitor/internal/config"
	"github.com/arencloud/disturbancemonitor/internal/logging"
	"github.com/arencloud/disturbancemonitor/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SchemaVersion is bumped whenever the persisted layout changes incompatibly.
const SchemaVersion = 1

const schemaVersionKey = "schema_version"

// ErrSchemaVersion is returned when the database was written by a newer layout.
var ErrSchemaVersion = errors.New("unsupported schema version")

// Init opens the configured database, migrates it and returns the handle.
// The handle is owned by the caller; nothing is stored globally.
func Init(cfg *config.Config, logger logging.Logger) (*gorm.DB, error) {
	var gormLevel gormlogger.LogLevel
	switch strings.ToLower(logging.GetLevel()) {
	case "debug":
		gormLevel = gormlogger.Info // SQL traces at debug level
	case "error", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	if driver == "postgres" || driver == "postgresql" {
		if cfg.DBDsn == "" {
			return nil, &os.PathError{Op: "open", Path: "DATABASE_URL/DB_DSN", Err: os.ErrInvalid}
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
		// foreign keys and a busy timeout keep concurrent writers from failing fast
		dialector = sqlite.Open(cfg.DBPath + "?_foreign_keys=on&_busy_timeout=5000")
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger(logger, gormLevel)})
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate creates the tables and records the schema version.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.Monitor{}, &models.Backend{}, &models.AreaOfInterest{}, &models.MonitoringResult{}, &models.Metadata{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var meta models.Metadata
	err := gdb.Where("key = ?", schemaVersionKey).First(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		meta = models.Metadata{Key: schemaVersionKey, Value: strconv.Itoa(SchemaVersion)}
		return gdb.Clauses(clause.OnConflict{DoNothing: true}).Create(&meta).Error
	case err != nil:
		return err
	}
	v, err := strconv.Atoi(meta.Value)
	if err != nil || v > SchemaVersion {
		return fmt.Errorf("%w: %s", ErrSchemaVersion, meta.Value)
	}
	return nil
}
