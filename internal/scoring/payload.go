package scoring

import (
	"encoding/json"
	"strings"

	"github.com/louisbranch/scoredeck/internal/engine/event"
)

// Payload shapes for the closed event set. Every field the reducer relies on
// is checked by the matching validator before an event reaches storage.

// PlayerPayload covers player/added and player/renamed.
type PlayerPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlayerRefPayload covers player/removed.
type PlayerRefPayload struct {
	ID string `json:"id"`
}

// BidPayload covers bid/set.
type BidPayload struct {
	Round  int    `json:"round"`
	Player string `json:"player"`
	Bid    int    `json:"bid"`
}

// MadePayload covers made/set.
type MadePayload struct {
	Round  int    `json:"round"`
	Player string `json:"player"`
	Made   bool   `json:"made"`
}

// RoundStatePayload covers round/stateSet.
type RoundStatePayload struct {
	Round  int    `json:"round"`
	Status string `json:"status"`
}

// RoundRefPayload covers round/finalize.
type RoundRefPayload struct {
	Round int `json:"round"`
}

// DealPayload covers cards/deal.
type DealPayload struct {
	Hands  map[string][]string `json:"hands"`
	Leader string              `json:"leader,omitempty"`
}

// TrickPlayedPayload covers cards/trickPlayed.
type TrickPlayedPayload struct {
	Player string `json:"player"`
	Card   string `json:"card"`
}

// TrickClearedPayload covers cards/trickCleared.
type TrickClearedPayload struct {
	Winner string `json:"winner,omitempty"`
}

// LeaderPayload covers cards/leaderSet.
type LeaderPayload struct {
	Player string `json:"player"`
}

// Registry returns the closed validation set for the scoring domain. The
// engine consults it before any storage interaction.
func Registry() *event.Registry {
	r := event.NewRegistry()
	r.Register(event.TypePlayerAdded, validatePlayer(event.TypePlayerAdded))
	r.Register(event.TypePlayerRenamed, validatePlayer(event.TypePlayerRenamed))
	r.Register(event.TypePlayerRemoved, validatePlayerRef)
	r.Register(event.TypeBidSet, validateBid)
	r.Register(event.TypeMadeSet, validateMade)
	r.Register(event.TypeRoundStateSet, validateRoundState)
	r.Register(event.TypeRoundFinalized, validateRoundRef)
	r.Register(event.TypeCardsDealt, validateDeal)
	r.Register(event.TypeTrickPlayed, validateTrickPlayed)
	r.Register(event.TypeTrickCleared, validateTrickCleared)
	r.Register(event.TypeLeaderSet, validateLeader)
	return r
}

func validatePlayer(t event.Type) event.Validator {
	return func(payload []byte) error {
		var p PlayerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return event.Invalid(t, "payload", "does not decode")
		}
		if strings.TrimSpace(p.ID) == "" {
			return event.Invalid(t, "id", "is required")
		}
		if strings.TrimSpace(p.Name) == "" {
			return event.Invalid(t, "name", "is required")
		}
		return nil
	}
}

func validatePlayerRef(payload []byte) error {
	var p PlayerRefPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypePlayerRemoved, "payload", "does not decode")
	}
	if strings.TrimSpace(p.ID) == "" {
		return event.Invalid(event.TypePlayerRemoved, "id", "is required")
	}
	return nil
}

func validateBid(payload []byte) error {
	var p BidPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeBidSet, "payload", "does not decode")
	}
	if p.Round < 1 {
		return event.Invalid(event.TypeBidSet, "round", "must be at least 1")
	}
	if strings.TrimSpace(p.Player) == "" {
		return event.Invalid(event.TypeBidSet, "player", "is required")
	}
	if p.Bid < 0 {
		return event.Invalid(event.TypeBidSet, "bid", "must not be negative")
	}
	return nil
}

func validateMade(payload []byte) error {
	var p MadePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeMadeSet, "payload", "does not decode")
	}
	if p.Round < 1 {
		return event.Invalid(event.TypeMadeSet, "round", "must be at least 1")
	}
	if strings.TrimSpace(p.Player) == "" {
		return event.Invalid(event.TypeMadeSet, "player", "is required")
	}
	return nil
}

func validateRoundState(payload []byte) error {
	var p RoundStatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeRoundStateSet, "payload", "does not decode")
	}
	if p.Round < 1 {
		return event.Invalid(event.TypeRoundStateSet, "round", "must be at least 1")
	}
	switch p.Status {
	case RoundBidding, RoundComplete, RoundScored:
		return nil
	}
	return event.Invalid(event.TypeRoundStateSet, "status", "must be bidding, complete, or scored")
}

func validateRoundRef(payload []byte) error {
	var p RoundRefPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeRoundFinalized, "payload", "does not decode")
	}
	if p.Round < 1 {
		return event.Invalid(event.TypeRoundFinalized, "round", "must be at least 1")
	}
	return nil
}

func validateDeal(payload []byte) error {
	var p DealPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeCardsDealt, "payload", "does not decode")
	}
	if len(p.Hands) == 0 {
		return event.Invalid(event.TypeCardsDealt, "hands", "is required")
	}
	for player, hand := range p.Hands {
		if strings.TrimSpace(player) == "" {
			return event.Invalid(event.TypeCardsDealt, "hands", "must not contain empty player ids")
		}
		for _, card := range hand {
			if strings.TrimSpace(card) == "" {
				return event.Invalid(event.TypeCardsDealt, "hands", "must not contain empty cards")
			}
		}
	}
	return nil
}

func validateTrickPlayed(payload []byte) error {
	var p TrickPlayedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeTrickPlayed, "payload", "does not decode")
	}
	if strings.TrimSpace(p.Player) == "" {
		return event.Invalid(event.TypeTrickPlayed, "player", "is required")
	}
	if strings.TrimSpace(p.Card) == "" {
		return event.Invalid(event.TypeTrickPlayed, "card", "is required")
	}
	return nil
}

func validateTrickCleared(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	var p TrickClearedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeTrickCleared, "payload", "does not decode")
	}
	return nil
}

func validateLeader(payload []byte) error {
	var p LeaderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return event.Invalid(event.TypeLeaderSet, "payload", "does not decode")
	}
	if strings.TrimSpace(p.Player) == "" {
		return event.Invalid(event.TypeLeaderSet, "player", "is required")
	}
	return nil
}
