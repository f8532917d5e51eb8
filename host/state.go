package host

type State int

const (
	Constructing State = iota
	Joining
	Serving
	Offline
	Terminated
)

func (s State) String() string {
	switch s {
	case Constructing:
		return "constructing"
	case Joining:
		return "joining"
	case Serving:
		return "serving"
	case Offline:
		return "offline"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// canAdvance allows only forward transitions.
func (s State) canAdvance(next State) bool {
	return next > s
}
