package db

import (
	"fmt"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the billing schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.BalanceAccount{},
		&models.BalanceTransaction{},
		&models.WebhookEvent{},
		&models.APIKey{},
		&models.Usage{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
