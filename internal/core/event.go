package core

// EventType tags a request to the transmit engine.
type EventType uint8

const (
	EventACK EventType = iota
	EventACKNoDelay
	EventSYNACK
	EventFIN
	EventRST
	EventRetransmit
)

func (t EventType) String() string {
	switch t {
	case EventACK:
		return "ACK"
	case EventACKNoDelay:
		return "ACK_NODELAY"
	case EventSYNACK:
		return "SYN_ACK"
	case EventFIN:
		return "FIN"
	case EventRST:
		return "RST"
	case EventRetransmit:
		return "RETRANSMIT"
	default:
		return "UNKNOWN"
	}
}

// Event is a control request toward the transmit side.
//
// For RST, Seq is the acknowledgment value of the outgoing reset: the incoming sequence
// number plus the sequence space the offending segment consumed. Resets for closed ports
// have no session and carry the socket pair instead.
type Event struct {
	Type    EventType
	Session SessionID
	Pair    SocketPair
	Seq     uint32
}

// TimerKind selects a timer command.
type TimerKind uint8

const (
	RetransmitLoad TimerKind = iota
	RetransmitStop
	ProbeClear
	CloseStart
)

func (k TimerKind) String() string {
	switch k {
	case RetransmitLoad:
		return "RETRANSMIT_LOAD"
	case RetransmitStop:
		return "RETRANSMIT_STOP"
	case ProbeClear:
		return "PROBE_CLEAR"
	case CloseStart:
		return "CLOSE_START"
	default:
		return "UNKNOWN"
	}
}

// TimerCommand is a command for the per-session timer subsystem.
type TimerCommand struct {
	Kind    TimerKind
	Session SessionID
}
