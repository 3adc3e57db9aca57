package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Messages, signals and position submissions
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default (WAL, busy timeout, foreign keys), PostgreSQL when the
// path is a postgres:// URL. Every write is a single statement or a single
// transaction; lock contention is retried here with its own policy.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrVersionConflict means another writer moved the submission first
var ErrVersionConflict = errors.New("submission version conflict")

// Options tunes the store
type Options struct {
	BusyRetries int
	BusySleep   time.Duration
}

type Database struct {
	db          *gorm.DB
	busyRetries int
	busySleep   time.Duration
}

// New opens the store and migrates the schema
func New(dbPath string, opts Options) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&MessageRecord{}, &MediaFile{}, &SignalRecord{}, &SubmissionRecord{}); err != nil {
		return nil, err
	}

	if opts.BusySleep <= 0 {
		opts.BusySleep = 200 * time.Millisecond
	}
	return &Database{db: db, busyRetries: opts.BusyRetries, busySleep: opts.BusySleep}, nil
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// write runs fn, retrying while the database reports lock contention
func (d *Database) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(d.db.WithContext(ctx))
		if err == nil || !isBusy(err) || attempt >= d.busyRetries {
			return err
		}

		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("🔒 Database busy, retrying")
		timer := time.NewTimer(d.busySleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// isBusy reports lock contention: sqlite busy/locked or a postgres serialization/lock failure
func isBusy(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
