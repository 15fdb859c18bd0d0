// Package integrity provides content addressing and whole-log verification
// for committed event logs.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

const verifyPageSize = 500

// EventHash computes a SHA-256 hash of the RFC 8785 canonical form of a
// committed event, truncated to 128 bits (32 hex characters) for a compact
// content-addressed identity. Equal commits hash equally on every store.
func EventHash(evt event.Committed) (string, error) {
	payload := json.RawMessage(evt.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	record, err := json.Marshal(map[string]any{
		"seq":     evt.Seq,
		"eventId": evt.ID,
		"type":    string(evt.Type),
		"payload": payload,
		"ts":      evt.At.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal event record: %w", err)
	}

	canonical, err := jcs.Transform(record)
	if err != nil {
		return "", fmt.Errorf("canonicalize event record: %w", err)
	}

	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:16]), nil
}

// Report is the outcome of a whole-log verification pass.
type Report struct {
	// Height is the highest sequence seen.
	Height uint64
	// Checked counts the event records examined.
	Checked int
	// Problems describes every violation found, empty for a healthy log.
	Problems []string
}

// OK reports whether the log passed every check.
func (r Report) OK() bool {
	return len(r.Problems) == 0
}

// VerifyLog walks the committed log checking the invariants appends rely on:
// gap-free sequences starting at 1, globally unique event IDs, and payloads
// the registry still accepts. It reads everything and mutates nothing.
func VerifyLog(ctx context.Context, store storage.LogStore, registry *event.Registry) (Report, error) {
	var report Report
	seen := make(map[string]uint64)

	var after uint64
	for {
		events, err := store.ListEvents(ctx, after, verifyPageSize)
		if err != nil {
			return report, fmt.Errorf("verify events after seq %d: %w", after, err)
		}
		if len(events) == 0 {
			break
		}
		for _, evt := range events {
			report.Checked++
			if evt.Seq != report.Height+1 {
				report.Problems = append(report.Problems,
					fmt.Sprintf("seq gap: expected %d, found %d", report.Height+1, evt.Seq))
			}
			report.Height = evt.Seq

			if prior, dup := seen[evt.ID]; dup {
				report.Problems = append(report.Problems,
					fmt.Sprintf("seq %d: event id %q already committed at seq %d", evt.Seq, evt.ID, prior))
			} else {
				seen[evt.ID] = evt.Seq
			}

			if registry != nil {
				if err := registry.Validate(evt.Event); err != nil {
					report.Problems = append(report.Problems,
						fmt.Sprintf("seq %d: %v", evt.Seq, err))
				}
			}

			if _, err := EventHash(evt); err != nil {
				report.Problems = append(report.Problems,
					fmt.Sprintf("seq %d: %v", evt.Seq, err))
			}
			after = evt.Seq
		}
	}

	return report, nil
}
