package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/cerberus/internal/models"
)

// Connect opens the SQLite database at dbPath and migrates the engine tables.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates every table the service persists.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.BlockRecord{},
		&models.SecurityDecision{},
		&models.SecurityAudit{},
		&models.Notification{},
		&models.NotificationProvider{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	return nil
}
