package db

import (
	"fmt"

	"github.com/zulandar/lotdesk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by lotdesk, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Lot{},
		&models.Dialog{},
		&models.Message{},
		&models.RelayLease{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
