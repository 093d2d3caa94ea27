package tables

import (
	"context"

	"firestige.xyz/toe/internal/core"
)

// RxSeqOp selects which fields of the receive-sequence record an update writes.
type RxSeqOp uint8

const (
	// RxInit sets rcvd and appd to Rcvd and clears any pending gap.
	RxInit RxSeqOp = iota
	// RxWriteRcvd writes rcvd together with the gap fields.
	RxWriteRcvd
	// RxWriteOOO writes only the gap fields.
	RxWriteOOO
	// RxWriteAppd writes the application read pointer.
	RxWriteAppd
)

// RxSeqUpdate is a write request for the receive-sequence table.
type RxSeqUpdate struct {
	Op      RxSeqOp
	Rcvd    uint32
	Appd    uint32
	OOO     bool
	OOOHead uint32
	OOOTail uint32
}

// RxSeqTable stores the receive-sequence record of each session.
type RxSeqTable struct {
	*actor
	records map[core.SessionID]core.RxSeq
}

// NewRxSeqTable creates an empty receive-sequence table.
func NewRxSeqTable() *RxSeqTable {
	return &RxSeqTable{
		actor:   newActor(0),
		records: make(map[core.SessionID]core.RxSeq),
	}
}

// Read returns the record of id; unknown sessions read as zero.
func (t *RxSeqTable) Read(ctx context.Context, id core.SessionID) (core.RxSeq, error) {
	return exec(ctx, t.actor, func() (core.RxSeq, error) {
		return t.records[id], nil
	})
}

// Update applies u to the record of id.
func (t *RxSeqTable) Update(ctx context.Context, id core.SessionID, u RxSeqUpdate) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		r := t.records[id]
		switch u.Op {
		case RxInit:
			r = core.RxSeq{Rcvd: u.Rcvd, Appd: u.Rcvd}
		case RxWriteRcvd:
			r.Rcvd = u.Rcvd
			r.OOO, r.OOOHead, r.OOOTail = u.OOO, u.OOOHead, u.OOOTail
		case RxWriteOOO:
			r.OOO, r.OOOHead, r.OOOTail = u.OOO, u.OOOHead, u.OOOTail
		case RxWriteAppd:
			r.Appd = u.Appd
		}
		t.records[id] = r
		return struct{}{}, nil
	})
	return err
}

// Clear forgets the record of id so a reused id starts from zero.
func (t *RxSeqTable) Clear(ctx context.Context, id core.SessionID) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		delete(t.records, id)
		return struct{}{}, nil
	})
	return err
}

// TxSeqOp selects which fields of the transmit-sequence record an update writes.
type TxSeqOp uint8

const (
	// TxInit seeds the acknowledged pointer, window, MSS and congestion control from a SYN.
	TxInit TxSeqOp = iota
	// TxWriteAck writes the acknowledgment-driven fields.
	TxWriteAck
	// TxWriteUnak writes the transmitter's next sequence number.
	TxWriteUnak
	// TxWriteISN starts the send sequence: PrevAckd = ISN and PrevUnak = ISN+1.
	TxWriteISN
)

// TxSeqUpdate is a write request for the transmit-sequence table.
type TxSeqUpdate struct {
	Op  TxSeqOp
	Seq core.TxSeq
}

// TxSeqTable stores the transmit-sequence record of each session.
type TxSeqTable struct {
	*actor
	records map[core.SessionID]core.TxSeq
}

// NewTxSeqTable creates an empty transmit-sequence table.
func NewTxSeqTable() *TxSeqTable {
	return &TxSeqTable{
		actor:   newActor(0),
		records: make(map[core.SessionID]core.TxSeq),
	}
}

// Read returns the record of id; unknown sessions read as zero.
func (t *TxSeqTable) Read(ctx context.Context, id core.SessionID) (core.TxSeq, error) {
	return exec(ctx, t.actor, func() (core.TxSeq, error) {
		return t.records[id], nil
	})
}

// Update applies u to the record of id. PrevUnak belongs to the transmitter and is
// only written by TxWriteUnak and TxWriteISN.
func (t *TxSeqTable) Update(ctx context.Context, id core.SessionID, u TxSeqUpdate) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		r := t.records[id]
		switch u.Op {
		case TxInit:
			r.PrevAckd = u.Seq.PrevAckd
			r.Window = u.Seq.Window
			r.MSS = u.Seq.MSS
			r.CongWindow = u.Seq.CongWindow
			r.SlowStartThreshold = u.Seq.SlowStartThreshold
			r.DupAcks = 0
			r.FastRetransmitted = false
		case TxWriteAck:
			r.PrevAckd = u.Seq.PrevAckd
			r.Window = u.Seq.Window
			r.CongWindow = u.Seq.CongWindow
			r.DupAcks = u.Seq.DupAcks
			r.FastRetransmitted = u.Seq.FastRetransmitted
		case TxWriteUnak:
			r.PrevUnak = u.Seq.PrevUnak
		case TxWriteISN:
			r.PrevAckd = u.Seq.PrevAckd
			r.PrevUnak = u.Seq.PrevAckd + 1
		}
		t.records[id] = r
		return struct{}{}, nil
	})
	return err
}

// Start records the initial send sequence number of a session after its SYN went out.
func (t *TxSeqTable) Start(ctx context.Context, id core.SessionID, iss uint32) error {
	return t.Update(ctx, id, TxSeqUpdate{Op: TxWriteISN, Seq: core.TxSeq{PrevAckd: iss}})
}

// Sent records that the transmitter has sent everything below next.
func (t *TxSeqTable) Sent(ctx context.Context, id core.SessionID, next uint32) error {
	return t.Update(ctx, id, TxSeqUpdate{Op: TxWriteUnak, Seq: core.TxSeq{PrevUnak: next}})
}

// Clear forgets the record of id so a reused id starts from zero.
func (t *TxSeqTable) Clear(ctx context.Context, id core.SessionID) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		delete(t.records, id)
		return struct{}{}, nil
	})
	return err
}

// ClearSeq returns an AllocateFunc that resets the sequence records of an id before
// it carries a new connection.
func ClearSeq(rx *RxSeqTable, tx *TxSeqTable) AllocateFunc {
	return func(ctx context.Context, id core.SessionID) error {
		if err := rx.Clear(ctx, id); err != nil {
			return err
		}
		return tx.Clear(ctx, id)
	}
}
