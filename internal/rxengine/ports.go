// Package rxengine implements the TCP receive engine: a pipeline of stages that
// validates inbound segments, resolves them to sessions, runs the receive-side state
// machine and commits accepted payload to the receive buffer before notifying the
// application.
package rxengine

import (
	"context"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/tables"
)

// SessionLookup resolves socket pairs to sessions.
type SessionLookup interface {
	Lookup(ctx context.Context, pair core.SocketPair, allowCreate bool) (tables.LookupReply, error)
}

// StateTable holds per-session TCP state. Acquire locks the session until the next
// Update or Release.
type StateTable interface {
	Acquire(ctx context.Context, id core.SessionID) (core.TCPState, error)
	Update(ctx context.Context, id core.SessionID, state core.TCPState) error
	Release(ctx context.Context, id core.SessionID) error
}

// RxSeqTable holds per-session receive-sequence records.
type RxSeqTable interface {
	Read(ctx context.Context, id core.SessionID) (core.RxSeq, error)
	Update(ctx context.Context, id core.SessionID, u tables.RxSeqUpdate) error
}

// TxSeqTable holds per-session transmit-sequence records.
type TxSeqTable interface {
	Read(ctx context.Context, id core.SessionID) (core.TxSeq, error)
	Update(ctx context.Context, id core.SessionID, u tables.TxSeqUpdate) error
}

// PortTable answers whether a local port is listening.
type PortTable interface {
	IsOpen(ctx context.Context, port uint16) (bool, error)
}

// Tables groups the external tables the engine consults.
type Tables struct {
	Sessions SessionLookup
	States   StateTable
	RxSeq    RxSeqTable
	TxSeq    TxSeqTable
	Ports    PortTable
}

func (t Tables) validate() error {
	if t.Sessions == nil || t.States == nil || t.RxSeq == nil || t.TxSeq == nil || t.Ports == nil {
		return errMissingTable
	}
	return nil
}
