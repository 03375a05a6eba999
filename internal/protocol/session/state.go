package session

// State is the handshake position of a session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingHello
	StateReliableOnly
	StateUpgradingToKcp
	StateDualChannel
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateReliableOnly:
		return "reliable_only"
	case StateUpgradingToKcp:
		return "upgrading_to_kcp"
	case StateDualChannel:
		return "dual_channel"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Channel names one of the two transports.
type Channel int

const (
	ChannelReliable Channel = iota
	ChannelLowLatency
)

func (c Channel) String() string {
	if c == ChannelLowLatency {
		return "kcp"
	}
	return "websocket"
}
