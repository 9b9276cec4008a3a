package ai

import "fmt"

// PairState tracks one comparison pair through a run.
//
//	PENDING -> MERGED    (tier 1 hit, tier 2 >= duplicate threshold, validated tier 3 duplicate)
//	PENDING -> DISTINCT  (tier 2 below borderline, tier 3 unique/rejected/unavailable)
//
// MERGED and DISTINCT are terminal within a run.
type PairState string

const (
	PairPending  PairState = "PENDING"
	PairMerged   PairState = "MERGED"
	PairDistinct PairState = "DISTINCT"
)

// IsTerminal reports whether no further transition is allowed.
func (s PairState) IsTerminal() bool {
	return s == PairMerged || s == PairDistinct
}

// Transition moves to the next state, refusing to leave a terminal state.
func (s PairState) Transition(to PairState) (PairState, error) {
	if s.IsTerminal() {
		return s, fmt.Errorf("pair already %s, cannot move to %s", s, to)
	}
	if to != PairMerged && to != PairDistinct {
		return s, fmt.Errorf("invalid transition %s -> %s", s, to)
	}
	return to, nil
}
