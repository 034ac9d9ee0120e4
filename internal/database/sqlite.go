package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/estuary/internal/journal"
	"github.com/MarcoPoloResearchLab/estuary/internal/track"
)

// OpenSQLite establishes a SQLite connection with foreign keys enforced.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database opened", zap.String("path", path))
	}

	return db, nil
}

// CreateAll materializes the synchronization tables and every registered
// model, then installs the capture callbacks. Safe to call repeatedly; tables
// are left unchanged after the first run.
func CreateAll(db *gorm.DB, registry *track.Registry, tracker *journal.Tracker, logger *zap.Logger) error {
	if registry == nil {
		return fmt.Errorf("registry is required")
	}
	if err := db.AutoMigrate(&journal.Operation{}, &journal.Version{}, &journal.Node{}); err != nil {
		return err
	}
	for _, ct := range registry.Types() {
		if ct.Model == nil {
			continue
		}
		if err := db.AutoMigrate(ct.Model); err != nil {
			return err
		}
	}
	if tracker != nil {
		if err := tracker.Install(db); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Info("database initialized", zap.Int("tracked_types", len(registry.Types())))
	}
	return nil
}
