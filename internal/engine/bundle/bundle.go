// Package bundle serializes a full event log to a portable JSON document and
// rebuilds an equivalent log from one. Import replays the events against the
// initial state, so the target ends at the same height and aggregate as the
// source had at export time regardless of its store implementation.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

const exportPageSize = 500

// Version is the bundle document version. Importers reject versions they do
// not understand.
const Version = 1

// WireEvent is one committed event on the wire. Timestamps travel as Unix
// milliseconds.
type WireEvent struct {
	Seq     uint64          `json:"seq"`
	EventID string          `json:"eventId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// WireSnapshot is one persisted snapshot on the wire. Snapshots are an
// optimization; importers may ignore them and replay from genesis.
type WireSnapshot struct {
	Height  uint64          `json:"height"`
	State   json.RawMessage `json:"state"`
	SavedAt int64           `json:"savedAt"`
}

// Bundle is the portable document holding one log.
type Bundle struct {
	Version   int            `json:"version"`
	Events    []WireEvent    `json:"events"`
	Snapshots []WireSnapshot `json:"snapshots,omitempty"`
}

// Export reads the whole log into a bundle, events in sequence order.
func Export(ctx context.Context, store storage.LogStore) (*Bundle, error) {
	b := &Bundle{Version: Version, Events: []WireEvent{}}

	var after uint64
	for {
		events, err := store.ListEvents(ctx, after, exportPageSize)
		if err != nil {
			return nil, fmt.Errorf("export events after seq %d: %w", after, err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			b.Events = append(b.Events, WireEvent{
				Seq:     evt.Seq,
				EventID: evt.ID,
				Type:    string(evt.Type),
				Payload: json.RawMessage(evt.Payload),
				TS:      evt.At.UnixMilli(),
			})
			after = evt.Seq
		}
	}

	snaps, err := store.ListSnapshots(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("export snapshots: %w", err)
	}
	for _, snap := range snaps {
		b.Snapshots = append(b.Snapshots, WireSnapshot{
			Height:  snap.Height,
			State:   json.RawMessage(snap.State),
			SavedAt: snap.SavedAt.UnixMilli(),
		})
	}

	return b, nil
}

// Import wipes the target log and replays the bundle's events in sequence
// order. The bundle must carry a gap-free log starting at seq 1; the target
// re-derives snapshots and the current record on its own cadence.
func Import(ctx context.Context, store storage.LogStore, b *Bundle) (uint64, error) {
	if b == nil {
		return 0, fmt.Errorf("nil bundle")
	}
	if b.Version != Version {
		return 0, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	for i, we := range b.Events {
		if we.Seq != uint64(i)+1 {
			return 0, fmt.Errorf("bundle event %d: expected seq %d, got %d", i, i+1, we.Seq)
		}
		if we.EventID == "" {
			return 0, fmt.Errorf("bundle event %d: missing eventId", i)
		}
	}

	if err := store.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset log: %w", err)
	}
	if len(b.Events) == 0 {
		return 0, nil
	}

	events := make([]event.Event, len(b.Events))
	for i, we := range b.Events {
		events[i] = event.Event{
			ID:      we.EventID,
			Type:    event.Type(we.Type),
			Payload: []byte(we.Payload),
			At:      time.UnixMilli(we.TS).UTC(),
		}
	}

	commit, err := store.BatchAppend(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("replay bundle: %w", err)
	}
	return commit.Seq, nil
}

// Encode renders the bundle as indented JSON suitable for files.
func Encode(b *Bundle) ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a bundle document.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}
