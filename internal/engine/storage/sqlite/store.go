// Package sqlite provides the SQLite-backed durable log store.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/snapshot"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
	"github.com/louisbranch/scoredeck/internal/platform/storage/sqlitemigrate"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/louisbranch/scoredeck/internal/engine/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store persists one event log in a SQLite file. Every commit is a single
// transaction covering the event insert, the current-record update, any
// interval snapshot, and the sync-signal bump.
type Store struct {
	sqlDB    *sql.DB
	registry *event.Registry
	reducer  storage.Reducer
	policy   snapshot.Policy
	replay   storage.ReplayPolicy
	warn     storage.WarnFunc
}

// Option configures store behavior.
type Option func(*Store)

// WithSnapshotEvery sets the snapshot cadence in committed events.
func WithSnapshotEvery(every int) Option {
	return func(s *Store) {
		s.policy = snapshot.Policy{Every: every}
	}
}

// WithReplayPolicy sets how corrupt event records are treated during the
// in-transaction state rebuild.
func WithReplayPolicy(policy storage.ReplayPolicy) Option {
	return func(s *Store) {
		s.replay = policy
	}
}

// WithWarnFunc sets the receiver for non-fatal anomaly reports.
func WithWarnFunc(warn storage.WarnFunc) Option {
	return func(s *Store) {
		s.warn = warn
	}
}

// Open opens a SQLite log store at the provided path and applies embedded
// migrations. The registry validates events before commit; the reducer folds
// them into the aggregate state inside the commit transaction.
func Open(path string, registry *event.Registry, reducer storage.Reducer, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if reducer == nil {
		return nil, fmt.Errorf("reducer is required")
	}

	// modernc's driver takes pragmas as _pragma=name(value) pairs; the
	// busy timeout is what lets sibling handles wait out each other's
	// immediate-lock commit transactions instead of failing with SQLITE_BUSY.
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store := &Store{
		sqlDB:    sqlDB,
		registry: registry,
		reducer:  reducer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Close closes the underlying SQLite database. It is nil-safe so callers can
// defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// classify maps low-level SQLite failures onto the storage error taxonomy so
// callers can tell a refused commit from a retryable one.
func classify(op string, err error) error {
	switch {
	case isFullError(err):
		return fmt.Errorf("%s: %w", op, storage.ErrQuotaExceeded)
	case isBusyError(err):
		return fmt.Errorf("%s: %w", op, storage.ErrTransient)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT ||
		code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_BUSY ||
		code == sqlite3lib.SQLITE_LOCKED ||
		code == sqlite3lib.SQLITE_IOERR
}

func isFullError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3lib.SQLITE_FULL
}

func (s *Store) warnf(code string, info map[string]any) {
	if s != nil && s.warn != nil {
		s.warn(code, info)
	}
}

func (s *Store) marshalState(state any) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

var _ storage.LogStore = (*Store)(nil)
