package scoring

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/louisbranch/scoredeck/internal/engine/event"
)

// Points awarded for making a bid exactly: madeBonus plus the bid itself.
// A missed bid scores nothing. Totals are recomputed from the full bid/made
// history on every finalize, so corrections to past rounds stay honest.
const madeBonus = 10

// Reducer folds scoring events into State. Reduce is pure and total: it
// reads no clock and no randomness, and events that no longer apply (an
// unknown player, an already-scored round) are safe no-ops so historical
// logs always replay.
type Reducer struct{}

// Initial returns the genesis aggregate.
func (Reducer) Initial() any {
	return NewState()
}

// DecodeState rebuilds an aggregate from persisted JSON.
func (Reducer) DecodeState(data []byte) (any, error) {
	return DecodeState(data)
}

// Reduce returns the state after applying evt. The input state is never
// mutated.
func (Reducer) Reduce(state any, evt event.Event) any {
	s, ok := state.(*State)
	if !ok || s == nil {
		s = NewState()
	}

	switch evt.Type {
	case event.TypePlayerAdded:
		var p PlayerPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.ID == "" {
			return s
		}
		if _, exists := s.Players[p.ID]; exists {
			return s
		}
		next := s.clone()
		next.Players[p.ID] = p.Name
		next.Order = append(next.Order, p.ID)
		next.Scores[p.ID] = 0
		return next

	case event.TypePlayerRenamed:
		var p PlayerPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.ID == "" {
			return s
		}
		if _, exists := s.Players[p.ID]; !exists {
			return s
		}
		next := s.clone()
		next.Players[p.ID] = p.Name
		return next

	case event.TypePlayerRemoved:
		var p PlayerRefPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.ID == "" {
			return s
		}
		if _, exists := s.Players[p.ID]; !exists {
			return s
		}
		next := s.clone()
		delete(next.Players, p.ID)
		delete(next.Scores, p.ID)
		order := next.Order[:0]
		for _, id := range next.Order {
			if id != p.ID {
				order = append(order, id)
			}
		}
		next.Order = order
		return next

	case event.TypeBidSet:
		var p BidPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Round < 1 {
			return s
		}
		if _, exists := s.Players[p.Player]; !exists {
			return s
		}
		next := s.clone()
		next.ensureRound(p.Round).Bids[p.Player] = p.Bid
		return next

	case event.TypeMadeSet:
		var p MadePayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Round < 1 {
			return s
		}
		if _, exists := s.Players[p.Player]; !exists {
			return s
		}
		next := s.clone()
		next.ensureRound(p.Round).Made[p.Player] = p.Made
		return next

	case event.TypeRoundStateSet:
		var p RoundStatePayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Round < 1 {
			return s
		}
		switch p.Status {
		case RoundBidding, RoundComplete, RoundScored:
		default:
			return s
		}
		next := s.clone()
		next.ensureRound(p.Round).Status = p.Status
		return next

	case event.TypeRoundFinalized:
		var p RoundRefPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Round < 1 {
			return s
		}
		round, exists := s.Rounds[roundKey(p.Round)]
		if !exists || round.Status == RoundScored {
			return s
		}
		next := s.clone()
		next.Rounds[roundKey(p.Round)].Status = RoundScored
		if p.Round >= next.CurrentRound {
			next.CurrentRound = p.Round + 1
			next.ensureRound(next.CurrentRound)
		}
		next.recomputeScores()
		return next

	case event.TypeCardsDealt:
		var p DealPayload
		if json.Unmarshal(evt.Payload, &p) != nil || len(p.Hands) == 0 {
			return s
		}
		next := s.clone()
		next.Table.Hands = map[string][]string{}
		for player, hand := range p.Hands {
			next.Table.Hands[player] = append([]string{}, hand...)
		}
		next.Table.Trick = []TrickCard{}
		if p.Leader != "" {
			next.Table.Leader = p.Leader
		}
		return next

	case event.TypeTrickPlayed:
		var p TrickPlayedPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Player == "" || p.Card == "" {
			return s
		}
		next := s.clone()
		hand := next.Table.Hands[p.Player]
		for i, card := range hand {
			if card == p.Card {
				next.Table.Hands[p.Player] = append(append([]string{}, hand[:i]...), hand[i+1:]...)
				break
			}
		}
		next.Table.Trick = append(next.Table.Trick, TrickCard{Player: p.Player, Card: p.Card})
		return next

	case event.TypeTrickCleared:
		var p TrickClearedPayload
		if len(evt.Payload) > 0 && json.Unmarshal(evt.Payload, &p) != nil {
			return s
		}
		next := s.clone()
		next.Table.Trick = []TrickCard{}
		if p.Winner != "" {
			next.Table.Leader = p.Winner
		}
		return next

	case event.TypeLeaderSet:
		var p LeaderPayload
		if json.Unmarshal(evt.Payload, &p) != nil || p.Player == "" {
			return s
		}
		next := s.clone()
		next.Table.Leader = p.Player
		return next
	}

	// Unknown types are no-ops so replay stays total.
	return s
}

// recomputeScores rebuilds the totals from every scored round. Players keep
// a zero entry even before they score so the aggregate shape is stable.
func (s *State) recomputeScores() {
	s.Scores = make(map[string]int, len(s.Players))
	for id := range s.Players {
		s.Scores[id] = 0
	}

	keys := make([]int, 0, len(s.Rounds))
	for key := range s.Rounds {
		if n, err := strconv.Atoi(key); err == nil {
			keys = append(keys, n)
		}
	}
	sort.Ints(keys)

	for _, n := range keys {
		round := s.Rounds[roundKey(n)]
		if round.Status != RoundScored {
			continue
		}
		for player, bid := range round.Bids {
			if _, exists := s.Players[player]; !exists {
				continue
			}
			if round.Made[player] {
				s.Scores[player] += madeBonus + bid
			}
		}
	}
}
