package supervisor

// ProcessState is the lifecycle state of the view process. It is owned by the
// supervisor and only ever mutated under its lock; everything else reads it.
type ProcessState string

const (
	// StateNotStarted means no spawn has been issued yet.
	StateNotStarted ProcessState = "not_started"
	// StateStarting means a spawn was issued and the handshake is pending.
	StateStarting ProcessState = "starting"
	// StateConnected means the handshake completed for the current generation.
	StateConnected ProcessState = "connected"
	// StateDisconnected means the transport closed without an abnormal exit.
	StateDisconnected ProcessState = "disconnected"
	// StateCrashed means the view process exited abnormally or hung past the
	// ping timeout.
	StateCrashed ProcessState = "crashed"
)

var validTransitions = map[ProcessState][]ProcessState{
	StateNotStarted:   {StateStarting},
	StateStarting:     {StateConnected, StateCrashed, StateDisconnected},
	StateConnected:    {StateDisconnected, StateCrashed},
	StateDisconnected: {StateStarting},
	StateCrashed:      {StateStarting},
}

func (s ProcessState) canTransitionTo(to ProcessState) bool {
	for _, v := range validTransitions[s] {
		if v == to {
			return true
		}
	}
	return false
}
