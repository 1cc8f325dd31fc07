package lock

import (
	"sort"

	"AtomicSettle/internal/settlement"
)

// PlanOrder returns the legs in deterministic acquisition order:
// source participant id lexicographic, then leg number. Every
// coordinator acquiring in this order cannot deadlock with another
// settlement over overlapping participants.
func PlanOrder(legs []settlement.Leg) []settlement.Leg {
	ordered := make([]settlement.Leg, len(legs))
	copy(ordered, legs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Source.Participant != ordered[j].Source.Participant {
			return ordered[i].Source.Participant < ordered[j].Source.Participant
		}
		return ordered[i].Number < ordered[j].Number
	})
	return ordered
}
