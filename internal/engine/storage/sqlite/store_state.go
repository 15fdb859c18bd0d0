package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

// Current returns the current-record cache, storage.ErrNotFound when absent.
func (s *Store) Current(ctx context.Context) (storage.Current, error) {
	if err := ctx.Err(); err != nil {
		return storage.Current{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Current{}, fmt.Errorf("storage is not configured")
	}

	var cur storage.Current
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT height, state_json FROM current WHERE id = 'current'",
	).Scan(&cur.Height, &cur.State)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Current{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Current{}, classify("read current record", err)
	}
	return cur, nil
}

// SnapshotAtOrBelow returns the most recent snapshot with height at or below
// the given height, storage.ErrNotFound when none exists.
func (s *Store) SnapshotAtOrBelow(ctx context.Context, height uint64) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Snapshot{}, fmt.Errorf("storage is not configured")
	}

	var snap storage.Snapshot
	var savedAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT height, state_json, saved_at FROM snapshots WHERE height <= ? ORDER BY height DESC LIMIT 1",
		int64(height),
	).Scan(&snap.Height, &snap.State, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, classify("read snapshot", err)
	}
	snap.SavedAt = fromMillis(savedAt)
	return snap, nil
}

// ListSnapshots returns snapshots ordered by height descending. A limit at
// or below zero returns all of them.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT height, state_json, saved_at FROM snapshots ORDER BY height DESC LIMIT ?",
		int64(limit),
	)
	if err != nil {
		return nil, classify("list snapshots", err)
	}
	defer rows.Close()

	var snapshots []storage.Snapshot
	for rows.Next() {
		var snap storage.Snapshot
		var savedAt int64
		if err := rows.Scan(&snap.Height, &snap.State, &savedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.SavedAt = fromMillis(savedAt)
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// SignalCounter returns the durable change counter bumped by every commit.
func (s *Store) SignalCounter(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var counter uint64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT counter FROM sync_signal WHERE id = 1").Scan(&counter); err != nil {
		return 0, classify("read sync signal", err)
	}
	return counter, nil
}

// Reset wipes the log, snapshots, and current record in one transaction and
// bumps the sync signal so siblings notice the replacement. Only import
// uses it.
func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM events",
		"DELETE FROM snapshots",
		"DELETE FROM current",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify("reset log", err)
		}
	}
	if err := bumpSignalTx(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}
