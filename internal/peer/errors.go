package peer

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotReady is returned when a request is issued on a connection that
	// has not completed its handshake.
	ErrNotReady = errors.New("connection not ready")

	// ErrForcedKill is returned by Stop when the child ignored SIGTERM.
	ErrForcedKill = errors.New("process killed after stop timeout")

	// ErrNoResponse is returned when the child closes stdout mid-call.
	ErrNoResponse = errors.New("no response")

	// ErrIDMismatch means the child answered a request we did not send.
	ErrIDMismatch = errors.New("response id mismatch")

	// ErrInterrupted is the cause of a Start cut short by Stop.
	ErrInterrupted = errors.New("interrupted by stop")
)

// LifecycleError reports a start, stop or state failure on one connection.
type LifecycleError struct {
	Peer  string
	Op    string
	State State
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("peer %s: %s (state %s): %v", e.Peer, e.Op, e.State, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
