package monitor

import "time"

// State is the connection state of one network monitor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
)

// States lists every state, in metric label order.
var States = []string{string(StateDisconnected), string(StateConnected), string(StateBackoff)}

// Reason says why a transition happened.
type Reason string

const (
	ReasonConnected      Reason = "connected"
	ReasonDialFailed     Reason = "dial_failed"
	ReasonConnectionLost Reason = "connection_lost"
	ReasonRetry          Reason = "retry"
)

// Transition is reported to Options.OnTransition on every state change.
type Transition struct {
	From   State
	To     State
	Reason Reason
	Err    error
	// Delay is the backoff wait, set when entering StateBackoff.
	Delay time.Duration
}
