// Package store owns the durable state of the gateway: routes, rate
// limit rules, service health records and request logs. All other
// components hold short lived snapshots read through this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaVersion is the schema this build of the gateway understands.
// Migrations are applied by an external tool; the gateway refuses to
// start against any other version.
const SchemaVersion = 1

var (
	ErrNotFound       = errors.New("record not found")
	ErrPatternExists  = errors.New("an active route with this pattern already exists")
	ErrNameExists     = errors.New("a rule with this name already exists")
	ErrServiceExists  = errors.New("a service with this name is already registered")
	ErrSchemaMismatch = errors.New("incompatible schema version")
	ErrUnreachable    = errors.New("store unreachable")
)

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the store identified by dsn. Postgres DSNs
// (postgres://, postgresql:// or a key=value form containing host=)
// use the postgres driver, anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"),
		strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host="):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return &Store{db: db}, nil
}

// CheckSchema verifies that the migration table reports exactly the
// version this build understands.
func (s *Store) CheckSchema(ctx context.Context) error {
	var version int
	err := s.db.WithContext(ctx).
		Model(&schemaMigration{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	if err != nil {
		return fmt.Errorf("%w: cannot read schema_migrations: %v", ErrSchemaMismatch, err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

// Bootstrap creates the schema and stamps the version. It backs the
// development path and the tests; production schemas come from the
// external migration tool.
func (s *Store) Bootstrap(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&Route{},
		&RateLimitRule{},
		&ServiceHealth{},
		&RequestLog{},
		&schemaMigration{},
	); err != nil {
		return err
	}

	var n int64
	if err := db.Model(&schemaMigration{}).Where("version = ?", SchemaVersion).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		if err := db.Create(&schemaMigration{Version: SchemaVersion}).Error; err != nil {
			return err
		}
		log.Infof("store bootstrapped at schema version %d", SchemaVersion)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
