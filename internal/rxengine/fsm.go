package rxengine

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
	"firestige.xyz/toe/internal/tables"
)

const (
	// congestion window ceiling for linear growth
	maxLinearCongWindow = 0xF7FF
	linearIncrement     = 365
	initialWindowMSS    = 10
	fastRetransmitAcks  = 3
)

// stateMachine runs the TCP receive-side transitions for resolved segments.
type stateMachine struct {
	cfg      Config
	tables   Tables
	in       <-chan core.FSMMetadata
	events   chan<- core.Event
	timers   chan<- core.TimerCommand
	opens    chan<- core.OpenStatus
	drop     chan<- bool
	writes   chan<- core.WriteCommand
	notifies chan<- pendingNotification
	counters *Counters
	log      log.Logger

	// per-segment
	cur     core.FSMMetadata
	state   core.TCPState
	rx      core.RxSeq
	tx      core.TxSeq
	decided bool
	counted bool
}

func (f *stateMachine) Reset() {
	f.cur = core.FSMMetadata{}
	f.state = core.Closed
	f.rx = core.RxSeq{}
	f.tx = core.TxSeq{}
	f.decided = false
	f.counted = false
}

func (f *stateMachine) run(ctx context.Context) error {
	defer close(f.drop)
	defer close(f.writes)
	defer close(f.notifies)
	defer close(f.timers)
	defer close(f.opens)
	defer close(f.events)
	for {
		m, ok, err := recv(ctx, f.in)
		if err != nil || !ok {
			return err
		}
		if err := f.process(ctx, m); err != nil {
			return err
		}
	}
}

func (f *stateMachine) process(ctx context.Context, m core.FSMMetadata) error {
	f.Reset()
	f.cur = m
	id := m.Session
	metrics.SegmentsTotal.WithLabelValues("fsm").Inc()

	state, err := f.tables.States.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("session %d state: %w", id, err)
	}
	f.state = state
	if f.rx, err = f.tables.RxSeq.Read(ctx, id); err != nil {
		_ = f.tables.States.Release(ctx, id)
		return fmt.Errorf("session %d rx seq: %w", id, err)
	}
	if f.tx, err = f.tables.TxSeq.Read(ctx, id); err != nil {
		_ = f.tables.States.Release(ctx, id)
		return fmt.Errorf("session %d tx seq: %w", id, err)
	}

	class := m.Meta.Flags.Class()
	var next core.TCPState
	switch class {
	case core.ClassACK:
		next, err = f.onACK(ctx)
	case core.ClassSYN:
		next, err = f.onSYN(ctx)
	case core.ClassSYNACK:
		next, err = f.onSYNACK(ctx)
	case core.ClassFIN:
		next, err = f.onFIN(ctx)
	case core.ClassOther:
		next, err = f.onOther(ctx)
	}
	if err == nil {
		err = f.settle(ctx)
	}
	if err != nil {
		_ = f.tables.States.Release(ctx, id)
		return err
	}

	if f.log.IsTraceEnabled() {
		f.log.WithFields(map[string]interface{}{
			"stage":   "fsm",
			"session": id,
			"flags":   m.Meta.Flags.String(),
			"seq":     m.Meta.Seq,
			"len":     m.Meta.Length,
		}).Tracef("%s -> %s", state, next)
	}

	if next == state {
		return f.tables.States.Release(ctx, id)
	}
	if err := f.tables.States.Update(ctx, id, next); err != nil {
		return fmt.Errorf("session %d state update: %w", id, err)
	}
	return nil
}

// settle emits the drop decision for a payload no case has claimed.
func (f *stateMachine) settle(ctx context.Context) error {
	if f.cur.Meta.Length == 0 || f.decided {
		return nil
	}
	if !f.counted {
		f.counters.sessionDrop()
	}
	f.decided = true
	return send(ctx, f.drop, true)
}

func (f *stateMachine) onACK(ctx context.Context) (core.TCPState, error) {
	switch f.state {
	case core.SynReceived, core.Established, core.FinWait1, core.FinWait2, core.Closing, core.LastAck:
	default:
		return f.state, nil
	}

	meta := f.cur.Meta
	ack := seqnum.Value(meta.Ack)
	prevAckd := seqnum.Value(f.tx.PrevAckd)
	prevUnak := seqnum.Value(f.tx.PrevUnak)
	next := f.state

	if ack.InRange(prevAckd, prevUnak.Add(1)) {
		tx := f.tx
		tx.Window = meta.Window
		if ack != prevAckd {
			f.grow(&tx)
			tx.PrevAckd = meta.Ack
			tx.DupAcks = 0
			tx.FastRetransmitted = false
			if err := f.timer(ctx, core.ProbeClear); err != nil {
				return next, err
			}
			kind := core.RetransmitLoad
			if ack == prevUnak {
				kind = core.RetransmitStop
			}
			if err := f.timer(ctx, kind); err != nil {
				return next, err
			}
		} else if prevAckd != prevUnak && meta.Length == 0 {
			if tx.DupAcks < 0xff {
				tx.DupAcks++
			}
			if tx.DupAcks == fastRetransmitAcks && !tx.FastRetransmitted && f.cfg.FastRetransmit {
				tx.FastRetransmitted = true
				if err := f.event(ctx, core.EventRetransmit, 0); err != nil {
					return next, err
				}
			}
		}
		if err := f.tables.TxSeq.Update(ctx, f.cur.Session, tables.TxSeqUpdate{Op: tables.TxWriteAck, Seq: tx}); err != nil {
			return next, fmt.Errorf("session %d tx seq update: %w", f.cur.Session, err)
		}
		f.tx = tx

		if ack == prevUnak {
			switch f.state {
			case core.SynReceived:
				next = core.Established
			case core.FinWait1:
				next = core.FinWait2
			case core.Closing:
				next = core.TimeWait
				if err := f.timer(ctx, core.CloseStart); err != nil {
					return next, err
				}
			case core.LastAck:
				next = core.Closed
			}
		}
	}

	if meta.Length == 0 {
		return next, nil
	}
	switch next {
	case core.Established, core.FinWait1, core.FinWait2:
		return next, f.reassemble(ctx)
	}
	return next, nil
}

// grow applies slow start below the threshold and linear growth above it.
func (f *stateMachine) grow(tx *core.TxSeq) {
	mss := uint32(tx.MSS)
	if mss == 0 {
		mss = uint32(f.cfg.MSS)
	}
	switch {
	case tx.SlowStartThreshold >= mss && tx.CongWindow <= tx.SlowStartThreshold-mss:
		tx.CongWindow += mss
	case tx.CongWindow <= maxLinearCongWindow:
		tx.CongWindow += linearIncrement
	}
}

// reassemble places the payload of an acceptable segment. Exactly one case applies,
// tried in order; a segment matching none is dropped.
func (f *stateMachine) reassemble(ctx context.Context) error {
	meta := f.cur.Meta
	id := f.cur.Session
	rx := f.rx
	seq := seqnum.Value(meta.Seq)
	end := seq.Add(seqnum.Size(meta.Length))
	rcvd := seqnum.Value(rx.Rcvd)
	room := func(v seqnum.Value) bool {
		return seqnum.Value(rx.Appd).Size(v) <= seqnum.Size(f.cfg.BufferSize-1)
	}

	var (
		op        tables.RxSeqOp
		notifyLen uint32
		evType    = core.EventACKNoDelay
	)
	switch {
	case !rx.OOO && seq == rcvd && room(end):
		rx.Rcvd = uint32(end)
		op, notifyLen, evType = tables.RxWriteRcvd, uint32(meta.Length), core.EventACK
	case !rx.OOO && rcvd.LessThan(seq) && room(end):
		rx.OOO, rx.OOOTail, rx.OOOHead = true, uint32(seq), uint32(end)
		op = tables.RxWriteOOO
	case rx.OOO && seq == seqnum.Value(rx.OOOHead) && room(end):
		rx.OOOHead = uint32(end)
		op = tables.RxWriteOOO
	case rx.OOO && seq == rcvd && end.LessThan(seqnum.Value(rx.OOOTail)):
		rx.Rcvd = uint32(end)
		op, notifyLen, evType = tables.RxWriteRcvd, uint32(meta.Length), core.EventACK
	case rx.OOO && seq == rcvd && end == seqnum.Value(rx.OOOTail):
		notifyLen = rx.OOOHead - rx.Rcvd
		rx.Rcvd, rx.OOO = rx.OOOHead, false
		op = tables.RxWriteRcvd
	default:
		f.counters.oooDrop(f.dropReason(seq, end, room))
		f.counted = true
		return f.event(ctx, core.EventACKNoDelay, 0)
	}

	u := tables.RxSeqUpdate{Op: op, Rcvd: rx.Rcvd, OOO: rx.OOO, OOOHead: rx.OOOHead, OOOTail: rx.OOOTail}
	if err := f.tables.RxSeq.Update(ctx, id, u); err != nil {
		return fmt.Errorf("session %d rx seq update: %w", id, err)
	}
	f.rx = rx
	if err := f.accept(ctx, notifyLen, false); err != nil {
		return err
	}
	return f.event(ctx, evType, 0)
}

func (f *stateMachine) dropReason(seq, end seqnum.Value, room func(seqnum.Value) bool) DropReason {
	rx := f.rx
	rcvd := seqnum.Value(rx.Rcvd)
	switch {
	case end.LessThanEq(rcvd):
		return DropDuplicate
	case !rx.OOO && rcvd.LessThanEq(seq) && !room(end):
		return DropNoSpace
	case rx.OOO && seq == seqnum.Value(rx.OOOHead) && !room(end):
		return DropNoSpace
	default:
		return DropRetransmit
	}
}

func (f *stateMachine) onSYN(ctx context.Context) (core.TCPState, error) {
	meta := f.cur.Meta
	switch f.state {
	case core.Closed, core.SynSent:
		if err := f.initRx(ctx); err != nil {
			return f.state, err
		}
		if err := f.initTx(ctx, f.tx.PrevAckd); err != nil {
			return f.state, err
		}
		return core.SynReceived, f.event(ctx, core.EventSYNACK, 0)
	case core.SynReceived:
		if meta.Seq+1 == f.rx.Rcvd {
			return f.state, f.event(ctx, core.EventSYNACK, 0)
		}
		return f.state, f.event(ctx, core.EventRST, meta.Seq+meta.SeqSpace())
	default:
		return f.state, f.event(ctx, core.EventACK, 0)
	}
}

func (f *stateMachine) onSYNACK(ctx context.Context) (core.TCPState, error) {
	meta := f.cur.Meta
	if f.state != core.SynSent {
		return f.state, f.event(ctx, core.EventACK, 0)
	}
	if meta.Ack != f.tx.PrevUnak {
		return f.state, f.event(ctx, core.EventRST, meta.Seq+meta.SeqSpace())
	}
	if err := f.initRx(ctx); err != nil {
		return f.state, err
	}
	if err := f.initTx(ctx, meta.Ack); err != nil {
		return f.state, err
	}
	if err := f.event(ctx, core.EventACKNoDelay, 0); err != nil {
		return f.state, err
	}
	return core.Established, send(ctx, f.opens, core.OpenStatus{Session: f.cur.Session, Success: true})
}

func (f *stateMachine) onFIN(ctx context.Context) (core.TCPState, error) {
	meta := f.cur.Meta
	id := f.cur.Session
	seq := seqnum.Value(meta.Seq)
	end := seq.Add(seqnum.Size(meta.Length))

	acceptable := seq == seqnum.Value(f.rx.Rcvd) && !f.rx.OOO &&
		seqnum.Value(f.rx.Appd).Size(end) <= seqnum.Size(f.cfg.BufferSize-1)
	switch f.state {
	case core.Established, core.FinWait1, core.FinWait2:
	default:
		acceptable = false
	}
	if !acceptable {
		return f.state, f.event(ctx, core.EventACK, 0)
	}

	rcvd := uint32(end.Add(1))
	if err := f.tables.RxSeq.Update(ctx, id, tables.RxSeqUpdate{Op: tables.RxWriteRcvd, Rcvd: rcvd}); err != nil {
		return f.state, fmt.Errorf("session %d rx seq update: %w", id, err)
	}
	f.rx.Rcvd = rcvd

	ack := seqnum.Value(meta.Ack)
	ackedAll := false
	if meta.Flags.Has(core.FlagACK) && ack.InRange(seqnum.Value(f.tx.PrevAckd), seqnum.Value(f.tx.PrevUnak).Add(1)) {
		tx := f.tx
		tx.PrevAckd = meta.Ack
		tx.Window = meta.Window
		if err := f.tables.TxSeq.Update(ctx, id, tables.TxSeqUpdate{Op: tables.TxWriteAck, Seq: tx}); err != nil {
			return f.state, fmt.Errorf("session %d tx seq update: %w", id, err)
		}
		f.tx = tx
		ackedAll = meta.Ack == tx.PrevUnak
	}

	if meta.Length > 0 {
		if err := f.accept(ctx, uint32(meta.Length), true); err != nil {
			return f.state, err
		}
	} else if err := send(ctx, f.notifies, pendingNotification{n: f.notification(0, true)}); err != nil {
		return f.state, err
	}

	switch f.state {
	case core.Established:
		return core.LastAck, f.event(ctx, core.EventFIN, 0)
	case core.FinWait2:
		ackedAll = true
	}
	if err := f.event(ctx, core.EventACK, 0); err != nil {
		return f.state, err
	}
	if ackedAll {
		return core.TimeWait, f.timer(ctx, core.CloseStart)
	}
	return core.Closing, nil
}

func (f *stateMachine) onOther(ctx context.Context) (core.TCPState, error) {
	meta := f.cur.Meta
	if !meta.Flags.Has(core.FlagRST) {
		return f.state, nil
	}
	switch {
	case f.state == core.SynReceived && meta.Seq == f.rx.Rcvd:
		return core.Closed, nil
	case f.state.Synchronized() && meta.Seq == f.rx.Rcvd:
		if err := send(ctx, f.notifies, pendingNotification{n: f.notification(0, true)}); err != nil {
			return f.state, err
		}
		if err := f.timer(ctx, core.RetransmitStop); err != nil {
			return f.state, err
		}
		return core.Closed, f.timer(ctx, core.ProbeClear)
	case f.state == core.SynSent && meta.Flags.Has(core.FlagACK) && meta.Ack == f.tx.PrevUnak:
		return core.Closed, send(ctx, f.opens, core.OpenStatus{Session: f.cur.Session})
	}
	f.log.WithField("stage", "fsm").WithField("session", f.cur.Session).Debugf("ignoring rst in %s", f.state)
	return f.state, nil
}

func (f *stateMachine) initRx(ctx context.Context) error {
	rcvd := f.cur.Meta.Seq + 1
	if err := f.tables.RxSeq.Update(ctx, f.cur.Session, tables.RxSeqUpdate{Op: tables.RxInit, Rcvd: rcvd}); err != nil {
		return fmt.Errorf("session %d rx seq init: %w", f.cur.Session, err)
	}
	f.rx = core.RxSeq{Rcvd: rcvd, Appd: rcvd}
	return nil
}

func (f *stateMachine) initTx(ctx context.Context, ackd uint32) error {
	meta := f.cur.Meta
	mss := meta.MSS
	if mss == 0 || mss > f.cfg.MSS {
		mss = f.cfg.MSS
	}
	tx := f.tx
	tx.PrevAckd = ackd
	tx.Window = meta.Window
	tx.MSS = mss
	tx.CongWindow = initialWindowMSS * uint32(mss)
	tx.SlowStartThreshold = f.cfg.SlowStartThreshold
	tx.DupAcks = 0
	tx.FastRetransmitted = false
	if err := f.tables.TxSeq.Update(ctx, f.cur.Session, tables.TxSeqUpdate{Op: tables.TxInit, Seq: tx}); err != nil {
		return fmt.Errorf("session %d tx seq init: %w", f.cur.Session, err)
	}
	f.tx = tx
	return nil
}

// accept keeps the payload, issues its buffer write and queues the notification
// behind the write completions.
func (f *stateMachine) accept(ctx context.Context, notifyLen uint32, closed bool) error {
	meta := f.cur.Meta
	f.decided = true
	if err := send(ctx, f.drop, false); err != nil {
		return err
	}
	wc := core.WriteCommand{
		Session: f.cur.Session,
		Offset:  meta.Seq & (f.cfg.BufferSize - 1),
		Length:  uint32(meta.Length),
	}
	if err := send(ctx, f.writes, wc); err != nil {
		return err
	}
	return send(ctx, f.notifies, pendingNotification{n: f.notification(notifyLen, closed), hasWrite: true})
}

func (f *stateMachine) notification(length uint32, closed bool) core.Notification {
	return core.Notification{
		Session:   f.cur.Session,
		Length:    length,
		PeerAddr:  f.cur.PeerAddr,
		PeerPort:  f.cur.PeerPort,
		LocalPort: f.cur.LocalPort,
		Closed:    closed,
	}
}

func (f *stateMachine) event(ctx context.Context, t core.EventType, seq uint32) error {
	return send(ctx, f.events, core.Event{Type: t, Session: f.cur.Session, Seq: seq})
}

func (f *stateMachine) timer(ctx context.Context, k core.TimerKind) error {
	return send(ctx, f.timers, core.TimerCommand{Kind: k, Session: f.cur.Session})
}
