package engine

import "slices"

// ComputeInitiative orders the living roster for a combat bout: sequence
// stat descending, luck descending, and finally join order. The sort must
// be stable; iteration-order ties decide who acts first and that has to
// come out the same on every node.
func ComputeInitiative(roster []Participant) []string {
	living := make([]Participant, 0, len(roster))
	for _, p := range roster {
		if !p.Dead {
			living = append(living, p)
		}
	}

	slices.SortStableFunc(living, func(a, b Participant) int {
		if a.Sequence != b.Sequence {
			return b.Sequence - a.Sequence
		}
		return b.Luck - a.Luck
	})

	order := make([]string, len(living))
	for i, p := range living {
		order[i] = p.ID
	}
	return order
}
