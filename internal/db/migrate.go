package db

import (
	"fmt"

	"github.com/hragent/usageguard/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables owned by the service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.TokenUsage{},
		&models.Setting{},
		&models.JobFailure{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
