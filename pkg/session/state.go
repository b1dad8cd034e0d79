package session

// State is the controller's position in the sign-in state machine
type State int

const (
	Anonymous State = iota
	FlowStarting
	AwaitingCallback
	Exchanging
	Authenticated
	Validating
	ErrorBackoff
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case FlowStarting:
		return "flow_starting"
	case AwaitingCallback:
		return "awaiting_callback"
	case Exchanging:
		return "exchanging"
	case Authenticated:
		return "authenticated"
	case Validating:
		return "validating"
	case ErrorBackoff:
		return "error_backoff"
	default:
		return "unknown"
	}
}
