// Package store persists DMARC aggregate reports and their records through
// gorm and exposes the filtered query primitives the rollup views compose.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultBatchSize = 500

type Store struct {
	db        *gorm.DB
	batchSize int
	now       func() time.Time
}

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	BatchSize   int
}

type Option func(*Config)

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

// WithBatchSize sets how many records are inserted per statement.
func WithBatchSize(n int) Option {
	return func(cfg *Config) {
		cfg.BatchSize = n
	}
}

// Dialector maps a driver name onto a gorm dialector.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return postgres.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("store: unknown database driver %q", driver)
	}
}

// Open builds a Store from either an existing connection or a dialector.
func Open(opts ...Option) (*Store, error) {
	cfg := Config{
		Logger:    silentLogger(),
		BatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		var err error
		db, err = gorm.Open(cfg.Dialector, &gorm.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, &StoreError{Op: "open", Err: err}
		}
	default:
		return nil, fmt.Errorf("store: no dialector or existing connection provided")
	}

	s := New(db)
	if cfg.BatchSize > 0 {
		s.batchSize = cfg.BatchSize
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open gorm connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, batchSize: defaultBatchSize, now: time.Now}
}

// Migrate creates or updates the reports and records tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Report{}, &Record{}); err != nil {
		return &StoreError{Op: "migrate", Err: err}
	}
	if err := s.backfillSourceKeys(ctx); err != nil {
		return err
	}
	log.Info("Database migration completed.")
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &StoreError{Op: "ping", Err: err}
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

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}
