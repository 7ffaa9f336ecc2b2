package db

import (
	"fmt"

	"github.com/zulandar/leaddesk/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by the conversation store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Conversation{},
		&models.Message{},
		&models.StateTransition{},
		&models.FundingOffer{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
