package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
)

// record is the gorm model backing DBBackend.
type record struct {
	Key       string     `gorm:"column:entry_key;primaryKey;size:512"`
	Value     []byte     `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (record) TableName() string {
	return "curupira_entries"
}

// DBBackend implements Backend using a relational database through gorm.
type DBBackend struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Backend = (*DBBackend)(nil)

// NewDBBackend creates a new database-based backend
func NewDBBackend(logger *zap.Logger, dbType DatabaseType, dsn string) (*DBBackend, error) {
	logger = logger.Named("storage.db")

	var dialector gorm.Dialector
	switch dbType {
	case PostgreSQL:
		dialector = postgres.Open(dsn)
	case MySQL:
		dialector = mysql.Open(dsn)
	case SQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, ErrInvalidDatabaseType
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, err
	}

	return &DBBackend{
		logger: logger,
		db:     db,
	}, nil
}

// Get implements Backend.Get
func (b *DBBackend) Get(ctx context.Context, key string) (*Value, bool, error) {
	var r record
	err := b.db.WithContext(ctx).Where("entry_key = ?", key).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load entry: %w", err)
	}

	var v Value
	if err := json.Unmarshal(r.Value, &v); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return &v, true, nil
}

// Set implements Backend.Set
func (b *DBBackend) Set(ctx context.Context, key string, value *Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	r := record{Key: key, Value: data, ExpiresAt: value.ExpiresAt, UpdatedAt: value.UpdatedAt}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

// Delete implements Backend.Delete
func (b *DBBackend) Delete(ctx context.Context, key string) (bool, error) {
	res := b.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&record{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete entry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Keys implements Backend.Keys
func (b *DBBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := b.db.WithContext(ctx).Model(&record{}).Pluck("entry_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Clear implements Backend.Clear
func (b *DBBackend) Clear(ctx context.Context) error {
	err := b.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&record{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed. The facade evicts lazily,
// this is for periodic maintenance of durable tables.
func (b *DBBackend) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := b.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close implements Backend.Close
func (b *DBBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
