package capture

// State is the lifecycle position of a session. Transitions only move
// forward.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateAgentSpawned
	StateSensorsAttached
	StateRunning
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAgentSpawned:
		return "agent_spawned"
	case StateSensorsAttached:
		return "sensors_attached"
	case StateRunning:
		return "running"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}
