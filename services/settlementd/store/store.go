// Package store persists settlementd state through gorm. Every record is
// reachable by its natural key and every idempotency guarantee rests on a
// unique index plus a conditional insert or update.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict indicates a conditional update matched no row because the
	// record already moved past the expected state.
	ErrConflict = errors.New("store: record state changed concurrently")
	// ErrDuplicate indicates an insert hit an existing unique key.
	ErrDuplicate = errors.New("store: record already exists")
	// ErrInvalidInput indicates a write rejected before reaching the database.
	ErrInvalidInput = errors.New("store: invalid input")
)

// Store is the gorm-backed repository set.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an opened database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the configured driver. sqlite is used for single node
// deployments and tests, postgres in production.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate applies the schema.
func (s *Store) Migrate() error {
	return models.AutoMigrate(s.db)
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func normalizeHex(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
