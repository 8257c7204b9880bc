package chatsync

// ConnectionState represents the current state of the shared connection.
type ConnectionState int

const (
	// StateDisconnected means the client is not connected.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the client is establishing a connection.
	StateConnecting

	// StateConnected means the client is connected and ready.
	StateConnected

	// StateError means the connection failed or dropped unexpectedly.
	StateError

	// StateClosed means the client has been explicitly closed.
	StateClosed
)

// String returns the string representation of a ConnectionState.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent represents a connection state change.
type StateEvent struct {
	OldState ConnectionState
	NewState ConnectionState
	Error    error // optional error that caused the state change
}

// CatchupPhase is the per-dialog reconciliation state. A fresh subscription
// always passes through PhaseBuffering before anything is forwarded
// downstream; PhaseReconciled is terminal until an explicit reset.
type CatchupPhase int

const (
	PhaseIdle CatchupPhase = iota
	PhaseBuffering
	PhaseReconciling
	PhaseReconciled
)

// String returns the string representation of a CatchupPhase.
func (p CatchupPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBuffering:
		return "buffering"
	case PhaseReconciling:
		return "reconciling"
	case PhaseReconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}
