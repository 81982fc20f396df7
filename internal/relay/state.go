package relay

import (
	"fmt"
	"sync"
)

// TopicState is the lifecycle state of one user's admin thread.
type TopicState int

const (
	NoThread TopicState = iota
	Validating
	Active
	Closed
)

func (s TopicState) String() string {
	switch s {
	case NoThread:
		return "no_thread"
	case Validating:
		return "validating"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[TopicState][]TopicState{
	NoThread:   {Validating, Active, Closed},
	Validating: {Active, NoThread},
	Active:     {Validating, Closed},
	Closed:     {NoThread},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to TopicState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateTable tracks the in-process lifecycle state per user. Users never
// seen are in NoThread.
type stateTable struct {
	mu     sync.Mutex
	states map[string]TopicState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]TopicState)}
}

func (t *stateTable) get(userID string) TopicState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[userID]
}

// move applies from the current state to next, rejecting illegal steps.
func (t *stateTable) move(userID string, next TopicState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.states[userID]
	if !CanTransition(cur, next) {
		return fmt.Errorf("relay: user %s: illegal transition %s -> %s", userID, cur, next)
	}
	if next == NoThread {
		delete(t.states, userID)
		return nil
	}
	t.states[userID] = next
	return nil
}

// settle drops a user left in Validating by an aborted attempt back to
// NoThread so the next message can start over.
func (t *stateTable) settle(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[userID] == Validating {
		delete(t.states, userID)
	}
}
