// Package scoring implements the score-keeping domain the engine journals:
// roster, per-round bids, round lifecycle and scoring, and the card table.
package scoring

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Round statuses.
const (
	// RoundBidding accepts bids.
	RoundBidding = "bidding"
	// RoundComplete has all bids and results recorded but is not yet scored.
	RoundComplete = "complete"
	// RoundScored has been finalized and counted into the totals.
	RoundScored = "scored"
)

// Round holds the per-round bid and result history.
type Round struct {
	Status string          `json:"status"`
	Bids   map[string]int  `json:"bids"`
	Made   map[string]bool `json:"made"`
}

// TrickCard is one card played into the current trick.
type TrickCard struct {
	Player string `json:"player"`
	Card   string `json:"card"`
}

// Table is the single-deck card-table state.
type Table struct {
	Hands  map[string][]string `json:"hands"`
	Trick  []TrickCard         `json:"trick"`
	Leader string              `json:"leader"`
}

// State is the aggregate produced by folding the event log. It is replaced
// wholesale on each reduction; reducers never mutate a shared value.
type State struct {
	Players      map[string]string `json:"players"`
	Order        []string          `json:"order"`
	Rounds       map[string]*Round `json:"rounds"`
	CurrentRound int               `json:"currentRound"`
	Scores       map[string]int    `json:"scores"`
	Table        Table             `json:"table"`
}

// NewState returns the genesis aggregate: empty roster, round 1 open for
// bidding, empty table.
func NewState() *State {
	return &State{
		Players:      map[string]string{},
		Order:        []string{},
		Rounds:       map[string]*Round{"1": newRound(RoundBidding)},
		CurrentRound: 1,
		Scores:       map[string]int{},
		Table: Table{
			Hands: map[string][]string{},
			Trick: []TrickCard{},
		},
	}
}

func newRound(status string) *Round {
	return &Round{Status: status, Bids: map[string]int{}, Made: map[string]bool{}}
}

// roundKey maps a round number onto its JSON object key.
func roundKey(round int) string {
	return strconv.Itoa(round)
}

// DecodeState rebuilds a State from its persisted JSON form. Missing
// collections are normalized to empty so folds on either side of a
// persistence round trip stay bit-identical.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.CurrentRound < 1 {
		return nil, fmt.Errorf("decode state: current round %d out of range", s.CurrentRound)
	}
	s.normalize()
	return &s, nil
}

func (s *State) normalize() {
	if s.Players == nil {
		s.Players = map[string]string{}
	}
	if s.Order == nil {
		s.Order = []string{}
	}
	if s.Rounds == nil {
		s.Rounds = map[string]*Round{}
	}
	for _, round := range s.Rounds {
		if round.Bids == nil {
			round.Bids = map[string]int{}
		}
		if round.Made == nil {
			round.Made = map[string]bool{}
		}
	}
	if s.Scores == nil {
		s.Scores = map[string]int{}
	}
	if s.Table.Hands == nil {
		s.Table.Hands = map[string][]string{}
	}
	if s.Table.Trick == nil {
		s.Table.Trick = []TrickCard{}
	}
}

// clone deep-copies the state so a reduction never aliases its input.
func (s *State) clone() *State {
	out := &State{
		Players:      make(map[string]string, len(s.Players)),
		Order:        append([]string{}, s.Order...),
		Rounds:       make(map[string]*Round, len(s.Rounds)),
		CurrentRound: s.CurrentRound,
		Scores:       make(map[string]int, len(s.Scores)),
		Table: Table{
			Hands:  make(map[string][]string, len(s.Table.Hands)),
			Trick:  append([]TrickCard{}, s.Table.Trick...),
			Leader: s.Table.Leader,
		},
	}
	for id, name := range s.Players {
		out.Players[id] = name
	}
	for key, round := range s.Rounds {
		copied := newRound(round.Status)
		for player, bid := range round.Bids {
			copied.Bids[player] = bid
		}
		for player, made := range round.Made {
			copied.Made[player] = made
		}
		out.Rounds[key] = copied
	}
	for player, score := range s.Scores {
		out.Scores[player] = score
	}
	for player, hand := range s.Table.Hands {
		out.Table.Hands[player] = append([]string{}, hand...)
	}
	return out
}

// ensureRound returns the round record, creating it in bidding status when
// the log references a round that has not been opened yet.
func (s *State) ensureRound(round int) *Round {
	key := roundKey(round)
	if existing, ok := s.Rounds[key]; ok {
		return existing
	}
	created := newRound(RoundBidding)
	s.Rounds[key] = created
	return created
}
