package graph

import "fmt"

// NodeState is the execution state of one node within a run.
type NodeState string

const (
	StatePending   NodeState = "pending"
	StateReady     NodeState = "ready"
	StateRunning   NodeState = "running"
	StateCached    NodeState = "cached"
	StateSucceeded NodeState = "succeeded"
	StateFailed    NodeState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s NodeState) Terminal() bool {
	switch s {
	case StateCached, StateSucceeded, StateFailed:
		return true
	default:
		return false
	}
}

// Successful reports whether downstream nodes may consume the outputs.
func (s NodeState) Successful() bool {
	return s == StateCached || s == StateSucceeded
}

// allowedTransition encodes
//
//	pending -> ready -> {cached | running} -> {succeeded | failed}
//
// plus the failure edges: any non-terminal state may fail (upstream
// failure, cancellation, abort).
func allowedTransition(from, to NodeState) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StatePending:
		return to == StateReady
	case StateReady:
		return to == StateCached || to == StateRunning
	case StateRunning:
		return to == StateSucceeded
	default:
		return false
	}
}

// transition moves r to state to, or reports an internal fault.
func (r *nodeRun) transition(to NodeState) error {
	if !allowedTransition(r.state, to) {
		return &ExecutorError{
			Message: fmt.Sprintf("node %s: illegal transition %s -> %s", r.name, r.state, to),
			Code:    "ILLEGAL_TRANSITION",
		}
	}
	r.state = to
	return nil
}
