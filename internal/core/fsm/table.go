package fsm

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInvalidTable is returned when a transition table fails load-time validation.
var ErrInvalidTable = errors.New("invalid transition table")

// Table is a declarative state machine definition.
// Key is the current state, value is the list of valid next states.
// Every state must appear as a key; terminal states map to an empty list.
type Table[S ~string] struct {
	Name        string
	Initial     S
	Transitions map[S][]S
}

// Validate checks that every target is a declared state and that every
// declared state is reachable from the initial state.
func (t Table[S]) Validate() error {
	if _, ok := t.Transitions[t.Initial]; !ok {
		return fmt.Errorf("%w: %s: initial state %q is not declared", ErrInvalidTable, t.Name, t.Initial)
	}

	for from, targets := range t.Transitions {
		for _, to := range targets {
			if _, ok := t.Transitions[to]; !ok {
				return fmt.Errorf(
					"%w: %s: %s -> %s targets an undeclared state",
					ErrInvalidTable, t.Name, from, to,
				)
			}
		}
	}

	seen := map[S]bool{t.Initial: true}
	queue := []S{t.Initial}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range t.Transitions[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range t.States() {
		if !seen[s] {
			return fmt.Errorf("%w: %s: state %q is unreachable from %q", ErrInvalidTable, t.Name, s, t.Initial)
		}
	}
	return nil
}

// CanTransition checks if a transition from one state to another is valid.
func (t Table[S]) CanTransition(from, to S) bool {
	return slices.Contains(t.Transitions[from], to)
}

// Check returns ErrInvalidTransition when from -> to is not allowed.
func (t Table[S]) Check(from, to S) error {
	if !t.CanTransition(from, to) {
		return fmt.Errorf("%w: %s: cannot transition from %s to %s", ErrInvalidTransition, t.Name, from, to)
	}
	return nil
}

// Next returns the allowed next states of s.
func (t Table[S]) Next(s S) []S {
	return slices.Clone(t.Transitions[s])
}

// IsFinal reports whether s has no outgoing transitions.
func (t Table[S]) IsFinal(s S) bool {
	targets, ok := t.Transitions[s]
	return ok && len(targets) == 0
}

// States returns every declared state in sorted order.
func (t Table[S]) States() []S {
	states := make([]S, 0, len(t.Transitions))
	for s := range t.Transitions {
		states = append(states, s)
	}
	slices.Sort(states)
	return states
}

// MustValidate panics if the table is invalid. Used for package-level tables.
func MustValidate[S ~string](t Table[S]) Table[S] {
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}
