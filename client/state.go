// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the client state.
type State uint32

// Client states.
const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateOpening
	StateOpen
	StateAwaitingReply
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateIdle)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
