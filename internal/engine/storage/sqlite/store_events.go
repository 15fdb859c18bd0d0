package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/snapshot"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

// AppendEvent atomically commits one event. A duplicate event ID resolves to
// the original commit instead of an error, so retrying with the same ID is
// always safe.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (storage.Commit, error) {
	if err := ctx.Err(); err != nil {
		return storage.Commit{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Commit{}, fmt.Errorf("storage is not configured")
	}
	if err := s.registry.Validate(evt); err != nil {
		return storage.Commit{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Commit{}, classify("begin tx", err)
	}
	defer tx.Rollback()

	state, height, err := s.loadStateTx(ctx, tx)
	if err != nil {
		return storage.Commit{}, err
	}

	if seq, ok, err := lookupSeqByID(ctx, tx, evt.ID); err != nil {
		return storage.Commit{}, err
	} else if ok {
		return storage.Commit{Seq: seq, Duplicate: true}, nil
	}

	seq := height + 1
	if err := s.insertEventTx(ctx, tx, seq, evt); err != nil {
		if isConstraintError(err) {
			if prior, ok, lookupErr := lookupSeqByID(ctx, tx, evt.ID); lookupErr == nil && ok {
				return storage.Commit{Seq: prior, Duplicate: true}, nil
			}
		}
		return storage.Commit{}, err
	}
	state = s.reducer.Reduce(state, evt)

	stateJSON, err := s.marshalState(state)
	if err != nil {
		return storage.Commit{}, err
	}
	if s.policy.ShouldSnapshot(seq) {
		if err := writeSnapshotTx(ctx, tx, seq, stateJSON); err != nil {
			return storage.Commit{}, err
		}
	}
	if err := writeCurrentTx(ctx, tx, seq, stateJSON); err != nil {
		return storage.Commit{}, err
	}
	if err := bumpSignalTx(ctx, tx); err != nil {
		return storage.Commit{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.Commit{}, classify("commit", err)
	}

	return storage.Commit{Seq: seq, State: stateJSON}, nil
}

// BatchAppend commits events in list order inside a single transaction.
// Duplicate IDs, whether against the log or within the batch, commit once.
// Any failure rolls the whole batch back.
func (s *Store) BatchAppend(ctx context.Context, events []event.Event) (storage.Commit, error) {
	if err := ctx.Err(); err != nil {
		return storage.Commit{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Commit{}, fmt.Errorf("storage is not configured")
	}

	// Validate all events before opening a transaction.
	for i, evt := range events {
		if err := s.registry.Validate(evt); err != nil {
			return storage.Commit{}, fmt.Errorf("event %d: %w", i, err)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Commit{}, classify("begin tx", err)
	}
	defer tx.Rollback()

	state, height, err := s.loadStateTx(ctx, tx)
	if err != nil {
		return storage.Commit{}, err
	}

	seen := make(map[string]bool, len(events))
	appended := false
	for _, evt := range events {
		if seen[evt.ID] {
			continue
		}
		if _, ok, err := lookupSeqByID(ctx, tx, evt.ID); err != nil {
			return storage.Commit{}, err
		} else if ok {
			seen[evt.ID] = true
			continue
		}

		height++
		if err := s.insertEventTx(ctx, tx, height, evt); err != nil {
			return storage.Commit{}, err
		}
		state = s.reducer.Reduce(state, evt)
		seen[evt.ID] = true
		appended = true

		if s.policy.ShouldSnapshot(height) {
			stateJSON, err := s.marshalState(state)
			if err != nil {
				return storage.Commit{}, err
			}
			if err := writeSnapshotTx(ctx, tx, height, stateJSON); err != nil {
				return storage.Commit{}, err
			}
		}
	}

	stateJSON, err := s.marshalState(state)
	if err != nil {
		return storage.Commit{}, err
	}
	if appended {
		if err := writeCurrentTx(ctx, tx, height, stateJSON); err != nil {
			return storage.Commit{}, err
		}
		if err := bumpSignalTx(ctx, tx); err != nil {
			return storage.Commit{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Commit{}, classify("commit", err)
	}

	return storage.Commit{Seq: height, State: stateJSON, Duplicate: !appended}, nil
}

// loadStateTx rebuilds the aggregate at the log head inside the commit
// transaction. It trusts the current record only when its height matches the
// head; otherwise it falls back to snapshot plus tail replay.
func (s *Store) loadStateTx(ctx context.Context, tx *sql.Tx) (any, uint64, error) {
	var head uint64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&head); err != nil {
		return nil, 0, classify("read log head", err)
	}

	var curHeight uint64
	var curState []byte
	err := tx.QueryRowContext(ctx, "SELECT height, state_json FROM current WHERE id = 'current'").Scan(&curHeight, &curState)
	switch {
	case err == nil:
		if curHeight == head {
			state, derr := s.reducer.DecodeState(curState)
			if derr == nil {
				return state, curHeight, nil
			}
			s.warnf(storage.WarnCorruptCurrent, map[string]any{
				"height": curHeight,
				"error":  derr.Error(),
			})
		} else {
			s.warnf(storage.WarnCorruptCurrent, map[string]any{
				"height": curHeight,
				"head":   head,
				"error":  "current record height does not match log head",
			})
		}
	case errors.Is(err, sql.ErrNoRows):
		// No cache yet; rebuild below.
	default:
		return nil, 0, classify("read current record", err)
	}

	state := s.reducer.Initial()
	var height uint64

	rows, err := tx.QueryContext(ctx,
		"SELECT height, state_json FROM snapshots WHERE height <= ? ORDER BY height DESC", head)
	if err != nil {
		return nil, 0, classify("read snapshots", err)
	}
	for rows.Next() {
		var snapHeight uint64
		var snapState []byte
		if err := rows.Scan(&snapHeight, &snapState); err != nil {
			rows.Close()
			return nil, 0, classify("scan snapshot", err)
		}
		decoded, derr := s.reducer.DecodeState(snapState)
		if derr == nil {
			state = decoded
			height = snapHeight
			break
		}
		s.warnf(storage.WarnCorruptSnapshot, map[string]any{
			"height": snapHeight,
			"error":  derr.Error(),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, classify("iterate snapshots", err)
	}
	rows.Close()

	tail, err := listEventsTx(ctx, tx, height)
	if err != nil {
		return nil, 0, err
	}
	return snapshot.Fold(s.reducer, s.registry, s.replay, s.warn, state, height, tail)
}

func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, seq uint64, evt event.Event) error {
	at := evt.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC().Truncate(time.Millisecond)

	_, err := tx.ExecContext(ctx,
		"INSERT INTO events (seq, event_id, event_type, payload_json, ts) VALUES (?, ?, ?, ?, ?)",
		int64(seq), evt.ID, string(evt.Type), evt.Payload, toMillis(at),
	)
	if err != nil {
		return classify("append event", err)
	}
	return nil
}

func lookupSeqByID(ctx context.Context, tx *sql.Tx, eventID string) (uint64, bool, error) {
	var seq uint64
	err := tx.QueryRowContext(ctx, "SELECT seq FROM events WHERE event_id = ?", eventID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("lookup event id", err)
	}
	return seq, true, nil
}

func writeSnapshotTx(ctx context.Context, tx *sql.Tx, height uint64, stateJSON []byte) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (height, state_json, saved_at) VALUES (?, ?, ?)",
		int64(height), stateJSON, toMillis(time.Now()),
	)
	if err != nil {
		return classify("write snapshot", err)
	}
	return nil
}

func writeCurrentTx(ctx context.Context, tx *sql.Tx, height uint64, stateJSON []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO current (id, height, state_json) VALUES ('current', ?, ?)
		 ON CONFLICT (id) DO UPDATE SET height = excluded.height, state_json = excluded.state_json`,
		int64(height), stateJSON,
	)
	if err != nil {
		return classify("write current record", err)
	}
	return nil
}

func bumpSignalTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE sync_signal SET counter = counter + 1, updated_at = ? WHERE id = 1",
		toMillis(time.Now()),
	)
	if err != nil {
		return classify("bump sync signal", err)
	}
	return nil
}

func listEventsTx(ctx context.Context, tx *sql.Tx, afterSeq uint64) ([]event.Committed, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT seq, event_id, event_type, payload_json, ts FROM events WHERE seq > ? ORDER BY seq",
		int64(afterSeq),
	)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.Committed, error) {
	var events []event.Committed
	for rows.Next() {
		var evt event.Committed
		var eventType string
		var tsMillis int64
		if err := rows.Scan(&evt.Seq, &evt.ID, &eventType, &evt.Payload, &tsMillis); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Type = event.Type(eventType)
		evt.At = fromMillis(tsMillis)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListEvents returns committed events with seq > afterSeq ordered ascending.
func (s *Store) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]event.Committed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT seq, event_id, event_type, payload_json, ts FROM events WHERE seq > ? ORDER BY seq LIMIT ?",
		int64(afterSeq), int64(limit),
	)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventByID retrieves a committed event by its idempotency key.
func (s *Store) GetEventByID(ctx context.Context, eventID string) (event.Committed, error) {
	if err := ctx.Err(); err != nil {
		return event.Committed{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Committed{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(eventID) == "" {
		return event.Committed{}, fmt.Errorf("event id is required")
	}

	var evt event.Committed
	var eventType string
	var tsMillis int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT seq, event_id, event_type, payload_json, ts FROM events WHERE event_id = ?",
		eventID,
	).Scan(&evt.Seq, &evt.ID, &eventType, &evt.Payload, &tsMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Committed{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Committed{}, classify("get event by id", err)
	}
	evt.Type = event.Type(eventType)
	evt.At = fromMillis(tsMillis)
	return evt, nil
}

// LatestSeq returns the highest committed sequence number, 0 for an empty log.
func (s *Store) LatestSeq(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var head uint64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&head); err != nil {
		return 0, classify("read log head", err)
	}
	return head, nil
}
