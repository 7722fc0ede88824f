// ABOUTME: Session lifecycle states
// ABOUTME: Created, Configuring, Connecting, Running, Stopping, Stopped; never restarted
package session

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an operation is not allowed in the current state
var ErrInvalidState = errors.New("invalid session state")

// State is a session lifecycle state. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateConfiguring
	StateConnecting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func stateError(op string, s State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s)
}
