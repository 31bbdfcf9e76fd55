package guildhall

// ConnectionState represents the current state of the realtime connection.
type ConnectionState int

const (
	// StateDisconnected means the client holds no connection and none is pending.
	StateDisconnected ConnectionState = iota

	// StateConnecting means the client is establishing the socket.
	StateConnecting

	// StateConnected means the client is connected and streaming frames.
	StateConnected

	// StateReconnectScheduled means the connection dropped and a retry
	// timer is running. The deadline is available via Client.ReconnectAt.
	StateReconnectScheduled
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
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}
