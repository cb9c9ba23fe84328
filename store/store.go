// Package store persists monitoring sessions and their per-second traffic records in an
// embedded SQLite database.
//
// The store keeps exactly one open connection, so transactions are serialized by the
// database itself. Every multi-step operation runs inside one gorm transaction: it commits
// on success and rolls back on any error or panic before the error is returned.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jinmuyano/trafficmon/metrics"
	"github.com/jinmuyano/trafficmon/query"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
	ErrInvalidRecord   = errors.New("invalid traffic record")
	ErrMigration       = errors.New("schema migration failed")
)

const (
	MemoryPath = ":memory:"

	defaultCleanupThreshold = 5000
	defaultCleanupFraction  = 0.1
	defaultBusyTimeoutMs    = 5000
)

// Config is the externally tunable part of the store.
type Config struct {
	Path             string  // sqlite file, or ":memory:"
	CleanupThreshold int64   // records above which PerformAutoCleanup trims
	CleanupFraction  float64 // share of the oldest records removed per cleanup

	// RenumberOnDelete restores the legacy behaviour of rewriting session ids to 1..N after
	// every delete. Off by default: ids stay stable and DisplayID carries the dense order.
	RenumberOnDelete bool

	// AllowDestructiveRebuild lets Open drop and recreate traffic_records when the schema
	// cannot be created any other way. Existing records are lost when it triggers.
	AllowDestructiveRebuild bool
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = MemoryPath
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = defaultCleanupThreshold
	}
	if c.CleanupFraction <= 0 || c.CleanupFraction > 1 {
		c.CleanupFraction = defaultCleanupFraction
	}
	return c
}

type Store struct {
	db      *gorm.DB
	cfg     Config
	builder *query.Builder
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

type optionFunc func(*Store)

func WithLogger(l *zap.SugaredLogger) optionFunc {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) optionFunc {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) optionFunc {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the database and brings the schema up to date.
func Open(cfg Config, opts ...optionFunc) (*Store, error) {
	cfg = cfg.withDefaults()

	s := &Store{
		cfg:     cfg,
		builder: query.NewBuilder(),
		logger:  zap.NewNop().Sugar(),
		metrics: metrics.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path)), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: func() time.Time { return s.now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	// one connection: in-memory databases live on it, and transactions never interleave
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	s.db = db
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := s.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}

	s.logger.Infow("session store ready", "path", cfg.Path, "cleanup_threshold", cfg.CleanupThreshold)
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_foreign_keys=1&_busy_timeout=%d", path, sep, defaultBusyTimeoutMs)
}

// Close releases the connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Config returns the effective configuration after defaults.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// withTx runs fn in one transaction and tags failures with op.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues(op).Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
