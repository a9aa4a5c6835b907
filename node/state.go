package node

// State represents the current lifecycle state of a node
type State int32

const (
	// StateCreated indicates the node was constructed but not started
	StateCreated State = iota
	// StateRunning indicates the node is processing messages
	StateRunning
	// StateStopping indicates a stop is in progress
	StateStopping
	// StateStopped indicates the node was stopped
	StateStopped
	// StateFailed indicates the node failed during a lifecycle operation
	// and stays inert until externally restarted
	StateFailed
)

// String returns a string representation of the node state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
