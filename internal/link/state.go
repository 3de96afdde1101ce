package link

// State is the lifecycle of the single upstream device connection.
type State int

const (
	StateSearching State = iota
	StateOpening
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "SEARCHING"
	case StateOpening:
		return "OPENING"
	case StateStreaming:
		return "STREAMING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
