// Package storage defines the durable log store contract shared by the
// engine runtime and its SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/scoredeck/internal/engine/event"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrQuotaExceeded is returned when a commit is refused because the store is
// out of space. The log and the current record are left unchanged; the append
// is retryable after cleanup.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrTransient is returned when a commit attempt failed before completion.
// Retrying with the identical event ID is always safe.
var ErrTransient = errors.New("transient storage failure")

// Current is the cached "apply no further events to reach this" record.
type Current struct {
	Height uint64
	State  []byte
}

// Snapshot is a persisted (height, state) pair bounding replay cost.
// Multiple snapshots may coexist.
type Snapshot struct {
	Height  uint64
	State   []byte
	SavedAt time.Time
}

// Commit reports the outcome of an append.
type Commit struct {
	// Seq is the store-assigned sequence of the appended event. For a
	// duplicate it is the sequence of the original commit.
	Seq uint64
	// State is the aggregate state JSON after the commit.
	State []byte
	// Duplicate reports that the event ID was already in the log and no new
	// record was written.
	Duplicate bool
}

// Reducer folds events into the aggregate state. Reduce must be pure and
// total: no wall-clock, no randomness, and semantically inapplicable events
// are safe no-ops so replay of historical logs always succeeds.
type Reducer interface {
	// Initial returns the genesis state.
	Initial() any
	// Reduce returns the state after applying evt. It must not mutate state.
	Reduce(state any, evt event.Event) any
	// DecodeState rebuilds a state value from its persisted JSON form.
	DecodeState(data []byte) (any, error)
}

// WarnFunc receives non-fatal anomaly reports (corrupt records, degraded
// boot paths). Implementations must not panic.
type WarnFunc func(code string, info map[string]any)

// Warning codes passed to WarnFunc.
const (
	// WarnCorruptCurrent reports a malformed current record discarded at boot.
	WarnCorruptCurrent = "corrupt_current_record"
	// WarnCorruptSnapshot reports a malformed snapshot skipped during rehydration.
	WarnCorruptSnapshot = "corrupt_snapshot"
	// WarnCorruptEvent reports a malformed event record skipped during replay.
	WarnCorruptEvent = "corrupt_event_record"
	// WarnLogReadFailed reports a failed read of the log tail during catch-up.
	WarnLogReadFailed = "log_read_failed"
)

// ReplayPolicy controls how replay treats corrupt event records. The zero
// value skips them with a warning.
type ReplayPolicy struct {
	// Strict fails replay on any corrupt record.
	Strict bool
	// Essential lists event types that fail replay even in skip mode. The
	// domain layer decides which types are essential.
	Essential []event.Type
}

// FailsOn reports whether a corrupt record of type t aborts replay.
func (p ReplayPolicy) FailsOn(t event.Type) bool {
	if p.Strict {
		return true
	}
	for _, essential := range p.Essential {
		if essential == t {
			return true
		}
	}
	return false
}

// LogStore is the transactional record store holding the committed event
// log, periodic snapshots, the current-record cache, and the durable sync
// signal. All mutation funnels through the append methods, each of which is
// a single transaction.
type LogStore interface {
	// AppendEvent validates, sequences, and commits one event atomically
	// with the current-record update and any interval snapshot. A duplicate
	// event ID is treated as success and resolves to the original commit.
	AppendEvent(ctx context.Context, evt event.Event) (Commit, error)
	// BatchAppend commits events in list order inside one transaction.
	// Duplicate IDs within the batch or against the log commit once. Any
	// failure rolls the whole batch back.
	BatchAppend(ctx context.Context, events []event.Event) (Commit, error)
	// ListEvents returns committed events with seq > afterSeq, ascending,
	// at most limit.
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]event.Committed, error)
	// GetEventByID returns the committed event carrying the given event ID.
	GetEventByID(ctx context.Context, eventID string) (event.Committed, error)
	// LatestSeq returns the highest committed sequence, 0 for an empty log.
	LatestSeq(ctx context.Context) (uint64, error)
	// Current returns the current-record cache, ErrNotFound when absent.
	Current(ctx context.Context) (Current, error)
	// SnapshotAtOrBelow returns the most recent snapshot with
	// height <= the given height, ErrNotFound when none exists.
	SnapshotAtOrBelow(ctx context.Context, height uint64) (Snapshot, error)
	// ListSnapshots returns snapshots ordered by height descending. A limit
	// at or below zero returns all of them.
	ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error)
	// SignalCounter returns the durable change counter bumped by every
	// commit. Siblings poll it when the broadcast path is unavailable.
	SignalCounter(ctx context.Context) (uint64, error)
	// Reset wipes the log, snapshots, current record, and signal counter.
	// Only import uses it.
	Reset(ctx context.Context) error
	// Close releases the underlying handle.
	Close() error
}
