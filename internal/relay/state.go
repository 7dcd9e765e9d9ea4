package relay

// ConnState is the state of the transport connection.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// JoinState is the state of a channel subscription.
//
//	joining -> joined  -> closed
//	joining -> errored -> closed
type JoinState int32

const (
	JoinJoining JoinState = iota
	JoinJoined
	JoinErrored
	JoinClosed
)

// String returns the string representation of JoinState
func (s JoinState) String() string {
	switch s {
	case JoinJoining:
		return "joining"
	case JoinJoined:
		return "joined"
	case JoinErrored:
		return "errored"
	case JoinClosed:
		return "closed"
	default:
		return "unknown"
	}
}
