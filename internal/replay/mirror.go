package replay

import (
	"context"
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/source/pcapfile"
	"firestige.xyz/toe/internal/tables"
)

const (
	lookupPoll    = time.Millisecond
	lookupTimeout = 2 * time.Second
)

// txMirror stands in for the transmit engine: it replays the captured outbound
// segments into the transmit-sequence table.
type txMirror struct {
	sessions *tables.SessionTable
	tx       *tables.TxSeqTable
	next     map[core.SessionID]seqnum.Value
	missed   uint64
}

func newTxMirror(sessions *tables.SessionTable, tx *tables.TxSeqTable) *txMirror {
	return &txMirror{
		sessions: sessions,
		tx:       tx,
		next:     make(map[core.SessionID]seqnum.Value),
	}
}

// observe applies an outbound packet. A SYN-ACK waits until the engine has created
// the session for the peer's SYN.
func (m *txMirror) observe(ctx context.Context, p pcapfile.Packet) error {
	pair := core.SocketPair{SrcAddr: p.Dst, DstAddr: p.Src, SrcPort: p.DstPort, DstPort: p.SrcPort}

	id, ok, err := m.lookup(ctx, pair, p.SYN)
	if err != nil || !ok {
		if !ok {
			m.missed++
		}
		return err
	}

	seq := seqnum.Value(p.Seq)
	end := seq.Add(seqnum.Size(p.PayloadLen))
	if p.SYN || p.FIN {
		end = end.Add(1)
	}
	if p.SYN {
		m.next[id] = end
		if err := m.tx.Start(ctx, id, p.Seq); err != nil {
			return fmt.Errorf("session %d start: %w", id, err)
		}
		return nil
	}
	if cur, ok := m.next[id]; ok && end.LessThanEq(cur) {
		return nil
	}
	m.next[id] = end
	if err := m.tx.Sent(ctx, id, uint32(end)); err != nil {
		return fmt.Errorf("session %d sent: %w", id, err)
	}
	return nil
}

func (m *txMirror) lookup(ctx context.Context, pair core.SocketPair, wait bool) (core.SessionID, bool, error) {
	deadline := time.Now().Add(lookupTimeout)
	for {
		r, err := m.sessions.Lookup(ctx, pair, false)
		if err != nil {
			return 0, false, err
		}
		if r.Hit {
			return r.Session, true, nil
		}
		if !wait || time.Now().After(deadline) {
			return 0, false, nil
		}
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(lookupPoll):
		}
	}
}
