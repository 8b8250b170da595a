// Package billing implements the reservation/commit/finalize lifecycle.
// Every entry walks the eight-state machine below; every transition is
// journaled to the write-ahead log before in-memory state mutates, and
// posted to the ledger where money moves.
package billing

import "fmt"

// State is one of the eight billing entry states.
type State int

const (
	StateIdle State = iota
	StateReserveHeld
	StateCommitted
	StateFinalizePending
	StateFinalizeAcked
	StateFinalizeFailed
	StateReleased
	StateVoided
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateReserveHeld:
		return "RESERVE_HELD"
	case StateCommitted:
		return "COMMITTED"
	case StateFinalizePending:
		return "FINALIZE_PENDING"
	case StateFinalizeAcked:
		return "FINALIZE_ACKED"
	case StateFinalizeFailed:
		return "FINALIZE_FAILED"
	case StateReleased:
		return "RELEASED"
	case StateVoided:
		return "VOIDED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the state rejects all further operations.
func (s State) IsTerminal() bool {
	return s == StateFinalizeAcked || s == StateReleased || s == StateVoided
}

// validTransitions is the complete transition table. Anything not listed
// fails with a StateError.
var validTransitions = map[State][]State{
	StateIdle:            {StateReserveHeld},
	StateReserveHeld:     {StateFinalizePending, StateReleased},
	StateFinalizePending: {StateFinalizeAcked, StateFinalizeFailed},
	StateFinalizeFailed:  {StateFinalizeAcked, StateVoided},
	StateCommitted:       {StateVoided},
}

func transitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateError reports an attempted transition outside the table, naming the
// current state and the attempted target.
type StateError struct {
	EntryID   string
	Current   State
	Attempted State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("billing entry %s: invalid transition %s -> %s", e.EntryID, e.Current, e.Attempted)
}
