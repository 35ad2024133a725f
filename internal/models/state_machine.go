package models

import (
	"fmt"
	"time"
)

// OrderState is the lifecycle state of a single order (spec §3, §4.6).
type OrderState string

const (
	// OrderStateSubmitted is the only non-terminal state.
	OrderStateSubmitted OrderState = "submitted"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
	OrderStateExpired   OrderState = "expired"
)

// IsTerminal reports whether the state is one of the terminal states.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled ||
		s == OrderStateRejected || s == OrderStateExpired
}

// orderTransition mirrors a single allowed state change.
type orderTransition struct {
	From OrderState
	To   OrderState
}

// validOrderTransitions enumerates every legal move. Per spec §3:
// "state transitions are monotonic except submitted -> {filled, cancelled,
// rejected, expired} is the only branching; no reopen."
var validOrderTransitions = []orderTransition{
	{OrderStateSubmitted, OrderStateFilled},
	{OrderStateSubmitted, OrderStateCancelled},
	{OrderStateSubmitted, OrderStateRejected},
	{OrderStateSubmitted, OrderStateExpired},
}

// orderTransitionLookup provides O(1) validity checks: map[from][to]bool.
var orderTransitionLookup map[OrderState]map[OrderState]bool

func init() {
	orderTransitionLookup = make(map[OrderState]map[OrderState]bool)
	for _, t := range validOrderTransitions {
		if orderTransitionLookup[t.From] == nil {
			orderTransitionLookup[t.From] = make(map[OrderState]bool)
		}
		orderTransitionLookup[t.From][t.To] = true
	}
}

// OrderStateMachine enforces the monotonic order lifecycle of spec §3/§4.6:
// a single branch point at submission, no reopening a terminal order, and
// late/out-of-order terminal events are rejected rather than applied twice.
type OrderStateMachine struct {
	current        OrderState
	previous       OrderState
	transitionedAt time.Time
}

// NewOrderStateMachine creates a state machine starting at "submitted".
func NewOrderStateMachine() *OrderStateMachine {
	return &OrderStateMachine{
		current:        OrderStateSubmitted,
		previous:       OrderStateSubmitted,
		transitionedAt: time.Now().UTC(),
	}
}

// Current returns the current lifecycle state.
func (sm *OrderStateMachine) Current() OrderState {
	return sm.current
}

// IsValidTransition reports whether moving to `to` is legal from the
// current state.
func (sm *OrderStateMachine) IsValidTransition(to OrderState) error {
	if toMap, ok := orderTransitionLookup[sm.current]; ok && toMap[to] {
		return nil
	}
	return fmt.Errorf("invalid order transition from %s to %s", sm.current, to)
}

// Transition moves the order to a terminal state. Calling it a second time
// (e.g. a late callback arriving after the polling fallback already marked
// the order terminal) is idempotent-by-rejection: it returns an error and
// leaves state unchanged, matching spec §4.6's "Registry miss -> no-op"
// semantics at the caller (the caller treats this error as "ignore").
func (sm *OrderStateMachine) Transition(to OrderState) error {
	if err := sm.IsValidTransition(to); err != nil {
		return err
	}
	sm.previous = sm.current
	sm.current = to
	sm.transitionedAt = time.Now().UTC()
	return nil
}

// TransitionedAt returns when the current state was entered.
func (sm *OrderStateMachine) TransitionedAt() time.Time {
	return sm.transitionedAt
}
