package database

import (
	"fmt"

	"github.com/realmforge/backend/internal/config"
	"github.com/realmforge/backend/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.SSLMode,
		)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Player{},
		&models.PlayerStats{},
		&models.PlayerPreferences{},
		&models.PasskeyCredential{},
		&models.Session{},
		&models.ChallengeSession{},
		&models.RateLimitRecord{},
		&models.AccountCreationQuota{},
		&models.SecurityEvent{},
		&models.SecurityEventExportCursor{},
	)
}
