// Package snapshot decides when the log is snapshotted and how the aggregate
// state is rebuilt from durable records at boot.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

// DefaultEvery is the snapshot cadence used when none is configured.
const DefaultEvery = 25

// Policy controls the snapshot cadence.
type Policy struct {
	// Every snapshots after every Every committed events. Values below 1
	// fall back to DefaultEvery.
	Every int
}

// Interval returns the effective cadence.
func (p Policy) Interval() uint64 {
	if p.Every >= 1 {
		return uint64(p.Every)
	}
	return DefaultEvery
}

// ShouldSnapshot reports whether a snapshot is due at the given height.
func (p Policy) ShouldSnapshot(height uint64) bool {
	return height > 0 && height%p.Interval() == 0
}

// Fold applies committed events in order on top of state and returns the new
// state and the height reached. A record that fails validation is corrupt:
// in skip mode it advances height as a no-op after warning, unless the
// replay policy marks its type as failing.
func Fold(reducer storage.Reducer, registry *event.Registry, policy storage.ReplayPolicy, warn storage.WarnFunc, state any, height uint64, events []event.Committed) (any, uint64, error) {
	if reducer == nil {
		return nil, 0, fmt.Errorf("reducer is required")
	}
	for _, evt := range events {
		if err := registry.Validate(evt.Event); err != nil {
			if policy.FailsOn(evt.Type) {
				return nil, 0, fmt.Errorf("corrupt event record seq=%d: %w", evt.Seq, err)
			}
			if warn != nil {
				warn(storage.WarnCorruptEvent, map[string]any{
					"seq":     evt.Seq,
					"eventId": evt.ID,
					"type":    string(evt.Type),
					"error":   err.Error(),
				})
			}
			height = evt.Seq
			continue
		}
		state = reducer.Reduce(state, evt.Event)
		height = evt.Seq
	}
	return state, height, nil
}

// Manager locates the cheapest valid starting point for rehydration and
// replays the tail of the log on top of it.
type Manager struct {
	Store    storage.LogStore
	Reducer  storage.Reducer
	Registry *event.Registry
	Replay   storage.ReplayPolicy
	Warn     storage.WarnFunc
}

const replayPageSize = 200

// Rehydrate rebuilds (height, state) for boot. It prefers the current
// record, falls back to the most recent valid snapshot at or below the log
// head plus tail replay, and replays from genesis when no snapshot helps.
// Malformed records are treated as absent, never fatal.
func (m Manager) Rehydrate(ctx context.Context) (uint64, any, error) {
	if m.Store == nil || m.Reducer == nil {
		return 0, nil, fmt.Errorf("store and reducer are required")
	}

	cur, err := m.Store.Current(ctx)
	switch {
	case err == nil:
		state, derr := m.Reducer.DecodeState(cur.State)
		if derr == nil {
			return cur.Height, state, nil
		}
		m.warn(storage.WarnCorruptCurrent, map[string]any{
			"height": cur.Height,
			"error":  derr.Error(),
		})
	case !errors.Is(err, storage.ErrNotFound):
		return 0, nil, fmt.Errorf("read current record: %w", err)
	}

	head, err := m.Store.LatestSeq(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("read log head: %w", err)
	}
	state, height, err := m.replayTo(ctx, head)
	if err != nil {
		return 0, nil, err
	}
	return height, state, nil
}

// StateAt computes the aggregate at a historical height without touching
// live state.
func (m Manager) StateAt(ctx context.Context, height uint64) (any, error) {
	if m.Store == nil || m.Reducer == nil {
		return nil, fmt.Errorf("store and reducer are required")
	}
	state, _, err := m.replayTo(ctx, height)
	return state, err
}

// replayTo folds events up to and including target on top of the best
// usable snapshot.
func (m Manager) replayTo(ctx context.Context, target uint64) (any, uint64, error) {
	state := m.Reducer.Initial()
	var height uint64

	probe := target
	for probe > 0 {
		snap, err := m.Store.SnapshotAtOrBelow(ctx, probe)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read snapshot at or below %d: %w", probe, err)
		}
		decoded, derr := m.Reducer.DecodeState(snap.State)
		if derr == nil {
			state = decoded
			height = snap.Height
			break
		}
		m.warn(storage.WarnCorruptSnapshot, map[string]any{
			"height": snap.Height,
			"error":  derr.Error(),
		})
		if snap.Height == 0 {
			break
		}
		probe = snap.Height - 1
	}

	for height < target {
		events, err := m.Store.ListEvents(ctx, height, replayPageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("list events after %d: %w", height, err)
		}
		if len(events) == 0 {
			break
		}
		page := events[:0]
		for _, evt := range events {
			if evt.Seq > target {
				break
			}
			page = append(page, evt)
		}
		if len(page) == 0 {
			break
		}
		state, height, err = Fold(m.Reducer, m.Registry, m.Replay, m.Warn, state, height, page)
		if err != nil {
			return nil, 0, err
		}
	}

	return state, height, nil
}

func (m Manager) warn(code string, info map[string]any) {
	if m.Warn != nil {
		m.Warn(code, info)
	}
}
