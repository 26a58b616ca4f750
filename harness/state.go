package harness

import (
	"errors"
	"fmt"
)

// State is a position in the harness lifecycle.
type State int

const (
	Uninitialized State = iota
	Configured
	MocksReady
	Running
	Stopped
	CleanedUp
)

// ErrInvalidState is returned when a lifecycle method is called from a state that does not allow it.
var ErrInvalidState = errors.New("invalid harness state")

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case MocksReady:
		return "mocks ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case CleanedUp:
		return "cleaned up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (h *Harness) requireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if h.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, h.state)
}
