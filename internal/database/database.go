// Package database holds the durable state of the ACS: devices, TR-069
// sessions, provisioning tasks, pending commands and everything the protocol
// engine must be able to resume from on an arbitrary later request.
package database

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dexter939/EvoAcsss-sub001/pkg/config"
)

// Database represents the database connection and operations
type Database struct {
	DB *gorm.DB
}

// New connects to PostgreSQL and configures the pool
func New(cfg *config.DatabaseConfig) (*Database, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Database{DB: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping tests the database connection
func (d *Database) Ping() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	log.Printf("📦 Running database migrations...")

	err := d.DB.AutoMigrate(
		&Device{},
		&Tr069Session{},
		&ProvisioningTask{},
		&PendingCommand{},
		&DeviceParameter{},
		&UspSubscription{},
		&UspPendingRequest{},
		&ConnectedClient{},
		&FirmwareDeployment{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Printf("✅ Database migration completed")
	return nil
}

// GetStats returns connection pool statistics
func (d *Database) GetStats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}

	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
	}
}
