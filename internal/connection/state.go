// ABOUTME: ConnectionState enum and the transitions the manager permits.
// ABOUTME: Ready is the only state in which outbound sends are allowed.

package connection

// State is the connection lifecycle state. Exactly one value at a time,
// owned exclusively by the Manager.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateReconnecting   State = "reconnecting"
	// StateFailed is terminal: the reconnect budget is exhausted and
	// external intervention is required.
	StateFailed State = "failed"
)
