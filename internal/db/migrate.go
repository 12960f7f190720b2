package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Workspace{},
		&models.ThreadMeta{},
		&models.DebugEntry{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedWorkspaces upserts Workspace rows from configuration.
func SeedWorkspaces(db *gorm.DB, workspaces []config.WorkspaceConfig) error {
	for _, wc := range workspaces {
		ws := models.Workspace{
			ID:         wc.ID,
			Name:       wc.Name,
			Path:       wc.Path,
			Engine:     wc.Engine,
			AccessMode: wc.AccessMode,
			Model:      wc.Model,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "path", "engine", "access_mode", "model", "updated_at"}),
		}).Create(&ws)
		if result.Error != nil {
			return fmt.Errorf("db: seed workspace %q: %w", wc.ID, result.Error)
		}
	}
	return nil
}
