package monitor

import (
	"fmt"
	"strings"
)

// State is the persisted lifecycle position of a monitor.
type State string

const (
	NotInitialized State = "NOT_INITIALIZED"
	Initializing   State = "INITIALIZING"
	Initialized    State = "INITIALIZED"
	Updating       State = "UPDATING"
	Deleting       State = "DELETING"
	Deleted        State = "DELETED"
)

var transitions = map[State][]State{
	NotInitialized: {Initializing, Deleting},
	// back to NotInitialized once a failed provisioning has been rolled back
	Initializing: {Initialized, NotInitialized, Deleting},
	Initialized:  {Updating, Deleting},
	Updating:     {Initialized, Deleting},
	// NotInitialized is the overwrite path: tear down, then provision again
	Deleting: {Deleted, NotInitialized},
	Deleted:  {NotInitialized},
}

// TransitionError reports a move the lifecycle does not allow.
type TransitionError struct {
	From    State
	To      State
	Allowed []State
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid transition %s -> %s (allowed: %s)", e.From, e.To, strings.Join(allowed, ", "))
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to.
func Transition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to, Allowed: transitions[from]}
}

// InProgress reports states that are only ever observed at rest when the
// process driving them died.
func (s State) InProgress() bool {
	return s == Initializing || s == Updating || s == Deleting
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}
