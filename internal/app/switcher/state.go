package switcher

// PipeState is the lifecycle of the loopback pipe.
type PipeState int32

const (
	StateUninitialized PipeState = iota
	StateNegotiating
	StateConnected
	StateTornDown
)

func (s PipeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}
