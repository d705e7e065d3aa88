package services

import (
	"sync"
	"testing"

	"github.com/realmforge/backend/internal/database"
	"github.com/realmforge/backend/pkg/logger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var serviceSetupOnce sync.Once

func setupServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	serviceSetupOnce.Do(func() {
		logger.Init()
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}
	return db
}

func newTestLimiter(t *testing.T) (*RateLimiter, *gorm.DB) {
	t.Helper()
	db := setupServiceDB(t)
	events := NewSecurityEventService(db, nil)
	return NewRateLimiter(db, events), db
}
