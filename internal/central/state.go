package central

// State is the connection controller's machine state. It is owned solely by
// the controller loop; everyone else sees it through Status snapshots or bus
// events. There is no terminal state — after Disconnected the machine always
// loops back toward Scanning.
type State int

const (
	// StateIdle means the controller loop is not running.
	StateIdle State = iota

	// StatePoweredOff means the loop is waiting for the radio stack.
	StatePoweredOff

	// StateScanning means discovery is active.
	StateScanning

	// StateConnecting means a candidate was chosen and a connect is pending.
	StateConnecting

	// StateDiscoveringServices through StateSubscribing are the sequential
	// negotiation steps on a fresh connection.
	StateDiscoveringServices
	StateDiscoveringCharacteristics
	StateSubscribing

	// StateStreaming means the session is established. Frames flow only if
	// the subscription succeeded; a capability-mismatched session sits here
	// connected but silent.
	StateStreaming

	// StateDisconnected is transient: entered on transport loss, left for
	// StateScanning within the same processing step.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePoweredOff:
		return "powered_off"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateDiscoveringCharacteristics:
		return "discovering_characteristics"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
