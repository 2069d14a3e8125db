package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownToken is returned when a resumption token does not match
	// any suspended run.
	ErrUnknownToken = errors.New("unknown resumption token")

	// ErrWorkflowNotActive is returned when a run is requested for a
	// workflow that is not in the active state.
	ErrWorkflowNotActive = errors.New("workflow is not active")

	// ErrRunNotSuspended is returned when a resume arrives for a run that
	// is not waiting.
	ErrRunNotSuspended = errors.New("run is not suspended")

	// ErrRunTerminal is returned when an operation targets a run that
	// already completed, failed or was cancelled.
	ErrRunTerminal = errors.New("run already reached a terminal state")

	// errRuntimeCycle guards against definition cycles that slipped past
	// validation.
	errRuntimeCycle = errors.New("cycle detected during execution")
)

// NodeError wraps a failure with the node it occurred on.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// suspendSignal unwinds the walker when a delay or approval node parks the
// run. It travels as an error so suspension works at any depth, including
// inside loop bodies and parallel branches, but it is not a failure.
type suspendSignal struct {
	nodeID string
	token  string
}

func (s *suspendSignal) Error() string {
	return fmt.Sprintf("run suspended at node %s", s.nodeID)
}

func asSuspend(err error) (*suspendSignal, bool) {
	var signal *suspendSignal

	if errors.As(err, &signal) {
		return signal, true
	}

	return nil, false
}
