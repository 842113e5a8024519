package installws

// ConnectionState is the lifecycle state of a Client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateClosed is entered after Close or when automatic reconnection
	// gives up. Only an explicit Connect leaves it.
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange describes one transition of the connection state machine.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
	Err  error // cause of the transition, if any
}
