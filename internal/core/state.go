package core

// TCPState is the connection state of a session.
type TCPState uint8

const (
	Closed TCPState = iota
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	Closing
	LastAck
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	SynSent:     "SYN_SENT",
	SynReceived: "SYN_RECEIVED",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT_1",
	FinWait2:    "FIN_WAIT_2",
	Closing:     "CLOSING",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s TCPState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Synchronized reports whether both sides have exchanged SYNs.
func (s TCPState) Synchronized() bool {
	switch s {
	case Established, FinWait1, FinWait2, Closing, LastAck, TimeWait:
		return true
	}
	return false
}

// Flags holds the TCP control bits the receive path acts on.
type Flags uint8

// Bit values follow the TCP header layout (byte 13).
const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagACK Flags = 1 << 4

	controlMask = FlagFIN | FlagSYN | FlagRST | FlagACK
)

// FlagsFromHeader keeps the control bits of a raw TCP flags byte.
func FlagsFromHeader(b byte) Flags {
	return Flags(b) & controlMask
}

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// PureSYN reports whether SYN is the only control bit set.
func (fl Flags) PureSYN() bool {
	return fl&controlMask == FlagSYN
}

func (fl Flags) String() string {
	names := []struct {
		f    Flags
		name string
	}{{FlagSYN, "SYN"}, {FlagFIN, "FIN"}, {FlagRST, "RST"}, {FlagACK, "ACK"}}
	out := ""
	for _, n := range names {
		if fl.Has(n.f) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// FlagClass is the state machine dispatch class of a segment.
type FlagClass uint8

// Classes in dispatch priority order.
const (
	ClassACK FlagClass = iota
	ClassSYN
	ClassSYNACK
	ClassFIN
	ClassOther
)

func (c FlagClass) String() string {
	switch c {
	case ClassACK:
		return "ACK"
	case ClassSYN:
		return "SYN"
	case ClassSYNACK:
		return "SYN-ACK"
	case ClassFIN:
		return "FIN"
	default:
		return "OTHER"
	}
}

// Class maps the control bits to a dispatch class. RST, and any combination not listed,
// falls into ClassOther.
func (fl Flags) Class() FlagClass {
	switch fl & controlMask {
	case FlagACK:
		return ClassACK
	case FlagSYN:
		return ClassSYN
	case FlagSYN | FlagACK:
		return ClassSYNACK
	case FlagFIN, FlagFIN | FlagACK:
		return ClassFIN
	default:
		return ClassOther
	}
}
