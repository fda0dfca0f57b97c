package engine

import "slices"

// Participant is the engine's view of one roster member. The roster is kept
// in join order; initiative is computed from it, never the other way around.
type Participant struct {
	ID       string
	IsBot    bool
	Dead     bool
	HP       int
	MaxHP    int
	AP       int
	MaxAP    int
	Sequence int
	Luck     int
}

type State struct {
	Roster   []Participant // join order, stable for the life of the session
	Order    []string      // initiative order, participant ids
	Index    int           // current position in Order
	Round    int
	InCombat bool
}

func (s State) clone() State {
	ns := s
	ns.Roster = slices.Clone(s.Roster)
	ns.Order = slices.Clone(s.Order)
	return ns
}

// Current returns the id of the participant on the clock, or "" outside combat.
func (s State) Current() string {
	if !s.InCombat || s.Index < 0 || s.Index >= len(s.Order) {
		return ""
	}
	return s.Order[s.Index]
}

func (s State) participant(id string) (Participant, bool) {
	for _, p := range s.Roster {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (s State) alive(id string) bool {
	p, ok := s.participant(id)
	return ok && !p.Dead
}

// living counts survivors split by kind. The win condition needs both.
func (s State) living() (humans, bots int) {
	for _, p := range s.Roster {
		if p.Dead {
			continue
		}
		if p.IsBot {
			bots++
		} else {
			humans++
		}
	}
	return humans, bots
}

// soleSurvivor returns the id of the only living participant, if there is
// exactly one.
func (s State) soleSurvivor() string {
	id := ""
	for _, p := range s.Roster {
		if p.Dead {
			continue
		}
		if id != "" {
			return ""
		}
		id = p.ID
	}
	return id
}

func resetAP(roster []Participant) {
	for i := range roster {
		if !roster[i].Dead {
			roster[i].AP = roster[i].MaxAP
		}
	}
}
