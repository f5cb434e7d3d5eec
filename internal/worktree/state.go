package worktree

import "fmt"

// State is the lifecycle state of a managed worktree.
type State string

const (
	StateCreating  State = "creating"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateMerging   State = "merging"
	StateCleaning  State = "cleaning"
	StateArchived  State = "archived"
)

// allowedTransitions maps each state to its permitted successors. Archived is
// terminal.
var allowedTransitions = map[State][]State{
	StateCreating:  {StateActive, StateCleaning},
	StateActive:    {StateSuspended, StateMerging, StateCleaning},
	StateSuspended: {StateActive, StateCleaning},
	StateMerging:   {StateArchived, StateCleaning, StateActive},
	StateCleaning:  {StateArchived},
	StateArchived:  {},
}

// ValidState reports whether s is a known worktree state.
func ValidState(s State) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error when a transition is not
// allowed.
func CheckTransition(from, to State) error {
	if !ValidState(from) {
		return fmt.Errorf("%w: %s", ErrInvalidState, from)
	}
	if !ValidState(to) {
		return fmt.Errorf("%w: %s", ErrInvalidState, to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
