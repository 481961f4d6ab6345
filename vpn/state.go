package vpn

import (
	"errors"
	"fmt"

	"github.com/yllada/ovpn-launcher/common"
)

// State is the controller's view of the launch cycle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateStarting
	StateConnected
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAcquiring:
		return "Acquiring"
	case StateStarting:
		return "Starting"
	case StateConnected:
		return "Connected"
	case StateStopping:
		return "Stopping"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Active reports whether a launch cycle is in flight or connected.
func (s State) Active() bool {
	return s == StateAcquiring || s == StateStarting || s == StateConnected
}

// transitions lists the legal moves of the state machine.
var transitions = map[State][]State{
	StateIdle:      {StateAcquiring},
	StateAcquiring: {StateStarting, StateFailed, StateStopping},
	StateStarting:  {StateConnected, StateFailed, StateStopping},
	StateConnected: {StateStopping, StateFailed},
	StateStopping:  {StateIdle},
	StateFailed:    {StateIdle, StateStopping},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Failure describes why a launch cycle ended early. Fatal is false for
// soft warnings that did not abort the cycle.
type Failure struct {
	// Phase is the state the cycle was in when it failed.
	Phase State
	Err   error
	Fatal bool
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Phase, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Message returns a short explanation suitable for showing to a user.
func (f Failure) Message() string {
	switch {
	case errors.Is(f.Err, common.ErrNetworkUnavailable):
		return "No network connection"
	case errors.Is(f.Err, common.ErrFetchTimeout):
		return "Timed out downloading the configuration"
	case errors.Is(f.Err, common.ErrFileNotFound):
		return "Configuration file not found"
	case errors.Is(f.Err, common.ErrInvalidSource):
		return "Invalid configuration source"
	case errors.Is(f.Err, common.ErrFetchFailed):
		return "Could not download the configuration"
	case errors.Is(f.Err, common.ErrParse):
		return "The configuration could not be read"
	case errors.Is(f.Err, common.ErrPersistence):
		return "The profile could not be saved, connecting anyway"
	case errors.Is(f.Err, common.ErrEngineUnavailable):
		return "The VPN engine is not available"
	case errors.Is(f.Err, common.ErrSessionAlreadyActive):
		return "A VPN session is already active"
	case errors.Is(f.Err, common.ErrAuthFailed):
		return "Authentication failed"
	case errors.Is(f.Err, common.ErrConnectTimeout):
		return "Timed out waiting for the VPN to connect"
	default:
		return "Unexpected VPN engine error"
	}
}
