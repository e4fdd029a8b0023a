package db

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultRetention is how long exchange records are kept
const DefaultRetention = 30 * 24 * time.Hour

// Store is the exchange audit log
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New opens the audit database and migrates its schema. PostgreSQL URLs use
// the postgres driver, anything else is treated as a SQLite file path.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	var (
		gormDB *gorm.DB
		dbType string
		err    error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: gormDB, dbType: dbType}
	if err := store.setupSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return store, nil
}

func (d *Store) setupSchema() error {
	if err := d.db.AutoMigrate(&types.ExchangeRecord{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

// RecordExchange stores one audit entry
func (d *Store) RecordExchange(record *types.ExchangeRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if record.Scope == nil {
		record.Scope = types.StringSlice{}
	}
	return d.db.Create(record).Error
}

// ListExchanges returns the most recent records for a client, newest first.
// An empty clientID lists all clients.
func (d *Store) ListExchanges(clientID string, limit int) ([]types.ExchangeRecord, error) {
	query := d.db.Order("created_at DESC")
	if clientID != "" {
		query = query.Where("client_id = ?", clientID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []types.ExchangeRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list exchange records: %w", err)
	}
	return records, nil
}

// CleanupExchangeRecords deletes records older than retention
func (d *Store) CleanupExchangeRecords(retention time.Duration) (int64, error) {
	result := d.db.Where("created_at < ?", time.Now().Add(-retention)).Delete(&types.ExchangeRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cleanup exchange records: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("Deleted %d expired exchange records", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
