package engine

import "errors"

var ErrNotYourTurn = errors.New("not your turn")
var ErrNotInCombat = errors.New("not in combat")
var ErrCombatActive = errors.New("combat already active")
var ErrNoCombatants = errors.New("no living combatants")
var ErrUnsupportedCommand = errors.New("unsupported command")

type CommandType string

const (
	CmdBeginCombat CommandType = "BeginCombat"
	CmdEndTurn     CommandType = "EndTurn"
	CmdEndCombat   CommandType = "EndCombat"
)

type Command struct {
	Type    CommandType
	ActorID string
	Timeout bool   // EndTurn only: true when the turn clock forced it
	Winner  string // EndCombat only
}

type EventType string

const (
	EvtCombatStarted EventType = "CombatStarted"
	EvtTurnEnded     EventType = "TurnEnded"
	EvtNewRound      EventType = "NewRound"
	EvtAPReset       EventType = "APReset"
	EvtTurnStarted   EventType = "TurnStarted"
	EvtCombatEnded   EventType = "CombatEnded"
)

type Event struct {
	Type          EventType
	ParticipantID string
	Round         int
	Timeout       bool
	Order         []string // CombatStarted only
	Winner        string   // CombatEnded only, "" when nobody won
}

// Apply runs one command against the turn state machine and returns the
// events it produced plus the successor state. The input state is never
// mutated; on error it is returned unchanged.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdBeginCombat:
		return beginCombat(s)
	case CmdEndTurn:
		return endTurn(s, cmd)
	case CmdEndCombat:
		return endCombat(s, cmd.Winner)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func beginCombat(s State) ([]Event, State, error) {
	if s.InCombat {
		return nil, s, ErrCombatActive
	}
	order := ComputeInitiative(s.Roster)
	if len(order) == 0 {
		return nil, s, ErrNoCombatants
	}

	ns := s.clone()
	ns.InCombat = true
	ns.Order = order
	ns.Index = 0
	ns.Round = 1
	resetAP(ns.Roster)

	events := []Event{
		{Type: EvtCombatStarted, Order: order, Round: 1},
		{Type: EvtAPReset, Round: 1},
		{Type: EvtTurnStarted, ParticipantID: order[0], Round: 1},
	}
	return events, ns, nil
}

func endTurn(s State, cmd Command) ([]Event, State, error) {
	if !s.InCombat {
		return nil, s, ErrNotInCombat
	}
	current := s.Current()
	if !cmd.Timeout && cmd.ActorID != current {
		return nil, s, ErrNotYourTurn
	}

	ns := s.clone()
	events := []Event{{Type: EvtTurnEnded, ParticipantID: current, Timeout: cmd.Timeout}}

	// Crossing the end of the order is a round rollover, whether the next
	// index lands there directly or the dead-skip scan runs off the end.
	// Rollover is the only place dead participants leave the order; inside
	// a round they are skipped so live indices never shift under an
	// in-flight turn.
	next := ns.Index + 1
	for lap := 0; lap < 2; lap++ {
		if next >= len(ns.Order) {
			ns.Order = compactLiving(ns)
			ns.Round++
			next = 0

			humans, bots := ns.living()
			if humans <= 1 && bots == 0 {
				endEvents, ended, _ := endCombat(ns, ns.soleSurvivor())
				return append(events, endEvents...), ended, nil
			}
			if len(ns.Order) == 0 {
				endEvents, ended, _ := endCombat(ns, "")
				return append(events, endEvents...), ended, nil
			}

			resetAP(ns.Roster)
			events = append(events,
				Event{Type: EvtNewRound, Round: ns.Round},
				Event{Type: EvtAPReset, Round: ns.Round})
		}

		for i := next; i < len(ns.Order); i++ {
			if ns.alive(ns.Order[i]) {
				ns.Index = i
				events = append(events, Event{Type: EvtTurnStarted, ParticipantID: ns.Order[i], Round: ns.Round})
				return events, ns, nil
			}
		}
		next = len(ns.Order)
	}

	// Two rollovers without a living participant. The win check above makes
	// this unreachable, but the scan must never loop forever.
	endEvents, ended, _ := endCombat(ns, "")
	return append(events, endEvents...), ended, nil
}

func endCombat(s State, winner string) ([]Event, State, error) {
	ns := s.clone()
	ns.InCombat = false
	ns.Order = nil
	ns.Index = 0
	ns.Round = 0
	return []Event{{Type: EvtCombatEnded, Winner: winner}}, ns, nil
}

func compactLiving(s State) []string {
	out := make([]string, 0, len(s.Order))
	for _, id := range s.Order {
		if s.alive(id) {
			out = append(out, id)
		}
	}
	return out
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
