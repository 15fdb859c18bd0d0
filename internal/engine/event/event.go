package event

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies the kind of a journal event. The set is closed: validators
// and the reducer are exhaustive over these values, so replay stays total.
type Type string

// Roster events.
const (
	// TypePlayerAdded records a player joining the roster.
	TypePlayerAdded Type = "player/added"
	// TypePlayerRenamed records a player display-name change.
	TypePlayerRenamed Type = "player/renamed"
	// TypePlayerRemoved records a player leaving the roster.
	TypePlayerRemoved Type = "player/removed"
)

// Round events.
const (
	// TypeBidSet records a player's bid for a round.
	TypeBidSet Type = "bid/set"
	// TypeMadeSet records whether a player made their bid in a round.
	TypeMadeSet Type = "made/set"
	// TypeRoundStateSet records an explicit round status transition.
	TypeRoundStateSet Type = "round/stateSet"
	// TypeRoundFinalized scores a round and opens the next one.
	TypeRoundFinalized Type = "round/finalize"
)

// Card-table events.
const (
	// TypeCardsDealt replaces all hands on the table.
	TypeCardsDealt Type = "cards/deal"
	// TypeTrickPlayed records a card played into the current trick.
	TypeTrickPlayed Type = "cards/trickPlayed"
	// TypeTrickCleared clears the current trick.
	TypeTrickCleared Type = "cards/trickCleared"
	// TypeLeaderSet records which player leads the next trick.
	TypeLeaderSet Type = "cards/leaderSet"
)

// Event is a single immutable journal entry prior to commit.
type Event struct {
	// ID is the caller-supplied globally unique identifier. It doubles as the
	// idempotency key: re-appending the same ID never duplicates the event.
	ID string
	// Type identifies the kind of event.
	Type Type
	// Payload holds event-specific data as JSON, validated per type.
	Payload []byte
	// At is a display-only wall-clock hint. It is never consulted for
	// ordering or reduction.
	At time.Time
}

// Committed is an Event together with its store-assigned sequence number.
// Sequences start at 1, strictly increase, and have no gaps.
type Committed struct {
	Seq uint64
	Event
}

// InvalidPayloadError reports a payload that failed schema validation. Field
// names the violated field so callers can fix and resubmit.
type InvalidPayloadError struct {
	Type   Type
	Field  string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	if strings.TrimSpace(e.Field) == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: field %q %s", e.Type, e.Field, e.Reason)
}

// Invalid builds an InvalidPayloadError for the given type and field.
func Invalid(t Type, field, reason string) error {
	return &InvalidPayloadError{Type: t, Field: field, Reason: reason}
}
