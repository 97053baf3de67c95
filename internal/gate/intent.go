package gate

import (
	"fmt"
	"sync"
)

type IntentState string

const (
	StateReceived  IntentState = "RECEIVED"
	StateValidated IntentState = "VALIDATED"
	StateDecided   IntentState = "DECIDED"
)

var nextState = map[IntentState]IntentState{
	StateReceived:  StateValidated,
	StateValidated: StateDecided,
}

type InvalidTransitionError struct {
	From IntentState
	To   IntentState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid intent transition %s -> %s", e.From, e.To)
}

// Intent tracks one evaluation through RECEIVED, VALIDATED and DECIDED.
// Transitions only move one step forward.
type Intent struct {
	mu    sync.Mutex
	state IntentState
}

func NewIntent() *Intent {
	return &Intent{state: StateReceived}
}

func (i *Intent) State() IntentState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Intent) Advance(to IntentState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if nextState[i.state] != to {
		return &InvalidTransitionError{From: i.state, To: to}
	}
	i.state = to
	return nil
}
