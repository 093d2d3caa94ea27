// Package core defines the receive engine data model with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// SessionID identifies one TCP connection inside the engine.
type SessionID uint32

// Metadata is the parsed, checksum-validated TCP header of one segment.
// It is created once by the checksum stage and never modified afterwards.
type Metadata struct {
	Seq    uint32
	Ack    uint32
	Window uint16
	Length uint16 // payload bytes, excluding header and options
	Flags  Flags
	MSS    uint16 // peer MSS option, 0 if absent
}

// SeqSpace returns the sequence space consumed by the segment (payload plus SYN/FIN).
func (m Metadata) SeqSpace() uint32 {
	n := uint32(m.Length)
	if m.Flags.Has(FlagSYN) || m.Flags.Has(FlagFIN) {
		n++
	}
	return n
}

// SocketPair is the session lookup key, in the orientation of the received segment.
type SocketPair struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

func (p SocketPair) String() string {
	return fmt.Sprintf("%s -> %s",
		netip.AddrPortFrom(p.SrcAddr, p.SrcPort), netip.AddrPortFrom(p.DstAddr, p.DstPort))
}

// FSMMetadata is what the metadata handler hands to the state machine for a resolved session.
type FSMMetadata struct {
	Session   SessionID
	PeerAddr  netip.Addr
	PeerPort  uint16
	LocalPort uint16
	Meta      Metadata
}

// RxSeq is the receive-sequence record of a session.
//
// Rcvd is the next byte expected in order. When OOO is set, [OOOTail, OOOHead) is the single
// pending out-of-order run. Appd is the application read pointer.
type RxSeq struct {
	Rcvd    uint32
	Appd    uint32
	OOOHead uint32
	OOOTail uint32
	OOO     bool
}

// Head returns the highest sequence number that has been written to the receive buffer.
func (r RxSeq) Head() uint32 {
	if r.OOO {
		return r.OOOHead
	}
	return r.Rcvd
}

// FreeSpace returns the number of bytes that can still be buffered without overtaking
// the application read pointer, for a buffer of bufferSize bytes (a power of two).
func (r RxSeq) FreeSpace(bufferSize uint32) uint32 {
	return (r.Appd - r.Head() - 1) & (bufferSize - 1)
}

// TxSeq is the subset of the transmit-sequence record the receive path reads and updates.
type TxSeq struct {
	PrevAckd           uint32 // highest acknowledgment received
	PrevUnak           uint32 // next byte the transmitter will send
	CongWindow         uint32
	SlowStartThreshold uint32
	Window             uint16 // peer receive window
	MSS                uint16 // peer MSS
	DupAcks            uint8
	FastRetransmitted  bool
}

// WriteCommand asks the receive-buffer memory to store Length bytes at Offset of the
// session's circular buffer.
type WriteCommand struct {
	Session SessionID
	Offset  uint32
	Length  uint32
}

// MemWrite is one memory write as issued by the buffer writer, after wrap splitting.
type MemWrite struct {
	WriteCommand
	Data []byte
}

// WriteStatus is a memory write completion.
type WriteStatus struct {
	Session SessionID
	OK      bool
}

// Notification tells the application that Length bytes of a session are readable.
type Notification struct {
	Session   SessionID
	Length    uint32
	PeerAddr  netip.Addr
	PeerPort  uint16
	LocalPort uint16
	Closed    bool
}

// OpenStatus reports the outcome of an active open.
type OpenStatus struct {
	Session SessionID
	Success bool
}
