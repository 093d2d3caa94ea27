package rxengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/pkttest"
	"firestige.xyz/toe/internal/rxmem"
	"firestige.xyz/toe/internal/tables"
)

const (
	testPort = 80
	testISS  = 5000

	// active opens go from an ephemeral local port to a remote service
	ephemeralPort = 50000
	servicePort   = 443
)

// harness runs an engine against the reference tables and records every output.
type harness struct {
	t        *testing.T
	cfg      Config
	eng      *Engine
	sessions *tables.SessionTable
	states   *tables.StateTable
	rx       *tables.RxSeqTable
	tx       *tables.TxSeqTable
	ports    *tables.PortTable
	mem      *rxmem.Memory
	g        *errgroup.Group

	events        []core.Event
	timers        []core.TimerCommand
	opens         []core.OpenStatus
	notifications []core.Notification
	writes        []core.MemWrite
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueDepth = 8
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		t:        t,
		cfg:      cfg,
		sessions: tables.NewSessionTable(16),
		rx:       tables.NewRxSeqTable(),
		tx:       tables.NewTxSeqTable(),
		ports:    tables.NewPortTable(testPort),
	}
	h.states = tables.NewStateTable(h.sessions.Release)

	var err error
	h.mem, err = rxmem.New(cfg.BufferSize)
	require.NoError(t, err)
	h.sessions.BindPorts(h.ports)
	clearSeq := tables.ClearSeq(h.rx, h.tx)
	h.sessions.OnAllocate(func(ctx context.Context, id core.SessionID) error {
		h.mem.Clear(id)
		return clearSeq(ctx, id)
	})
	h.eng, err = New(cfg, Tables{
		Sessions: h.sessions,
		States:   h.states,
		RxSeq:    h.rx,
		TxSeq:    h.tx,
		Ports:    h.ports,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	g, gctx := errgroup.WithContext(ctx)
	h.g = g
	g.Go(func() error { return h.eng.Run(gctx) })
	g.Go(drain(h.eng.Events(), &h.events))
	g.Go(drain(h.eng.Timers(), &h.timers))
	g.Go(drain(h.eng.OpenStatus(), &h.opens))
	g.Go(drain(h.eng.Notifications(), &h.notifications))
	g.Go(func() error {
		for w := range h.eng.MemWrites() {
			h.writes = append(h.writes, w)
			st := core.WriteStatus{Session: w.Session, OK: h.mem.Write(w)}
			select {
			case h.eng.Completions() <- st:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	t.Cleanup(func() {
		cancel()
		h.sessions.Close()
		h.states.Close()
		h.rx.Close()
		h.tx.Close()
		h.ports.Close()
	})
	return h
}

func drain[T any](ch <-chan T, out *[]T) func() error {
	return func() error {
		for v := range ch {
			*out = append(*out, v)
		}
		return nil
	}
}

func (h *harness) send(pkts ...[]byte) {
	for _, p := range pkts {
		h.eng.Input() <- p
	}
}

// finish closes the input and waits until every output stream has drained.
func (h *harness) finish() {
	close(h.eng.Input())
	require.NoError(h.t, h.g.Wait())
}

func testPair(sport uint16) core.SocketPair {
	return core.SocketPair{
		SrcAddr: pkttest.PeerAddr,
		DstAddr: pkttest.LocalAddr,
		SrcPort: sport,
		DstPort: testPort,
	}
}

func activePair() core.SocketPair {
	return core.SocketPair{
		SrcAddr: pkttest.PeerAddr,
		DstAddr: pkttest.LocalAddr,
		SrcPort: servicePort,
		DstPort: ephemeralPort,
	}
}

func (h *harness) portOpen(port uint16) bool {
	h.t.Helper()
	open, err := h.ports.IsOpen(context.Background(), port)
	require.NoError(h.t, err)
	return open
}

// session creates a session in state with rcvd as the next expected byte and an
// initial send sequence of testISS.
func (h *harness) session(sport uint16, state core.TCPState, rcvd uint32) core.SessionID {
	h.t.Helper()
	return h.sessionOn(testPair(sport), state, rcvd)
}

// activeOpen creates a SYN_SENT session from ephemeralPort to servicePort, the way
// an application connect leaves it before the SYN-ACK arrives.
func (h *harness) activeOpen() core.SessionID {
	h.t.Helper()
	return h.sessionOn(activePair(), core.SynSent, 0)
}

func (h *harness) sessionOn(pair core.SocketPair, state core.TCPState, rcvd uint32) core.SessionID {
	h.t.Helper()
	ctx := context.Background()
	id, err := h.sessions.Open(ctx, pair)
	require.NoError(h.t, err)
	require.NoError(h.t, h.states.Set(ctx, id, state))
	require.NoError(h.t, h.rx.Update(ctx, id, tables.RxSeqUpdate{Op: tables.RxInit, Rcvd: rcvd}))
	require.NoError(h.t, h.tx.Start(ctx, id, testISS))
	require.NoError(h.t, h.tx.Update(ctx, id, tables.TxSeqUpdate{Op: tables.TxInit, Seq: core.TxSeq{
		PrevAckd:           testISS,
		Window:             65535,
		MSS:                1460,
		CongWindow:         14600,
		SlowStartThreshold: 0xFFFF,
	}}))
	return id
}

func (h *harness) gap(id core.SessionID, tail, head uint32) {
	h.t.Helper()
	require.NoError(h.t, h.rx.Update(context.Background(), id,
		tables.RxSeqUpdate{Op: tables.RxWriteOOO, OOO: true, OOOTail: tail, OOOHead: head}))
}

func (h *harness) state(id core.SessionID) core.TCPState {
	h.t.Helper()
	ctx := context.Background()
	s, err := h.states.Acquire(ctx, id)
	require.NoError(h.t, err)
	require.NoError(h.t, h.states.Release(ctx, id))
	return s
}

func (h *harness) rxSeq(id core.SessionID) core.RxSeq {
	h.t.Helper()
	r, err := h.rx.Read(context.Background(), id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) txSeq(id core.SessionID) core.TxSeq {
	h.t.Helper()
	r, err := h.tx.Read(context.Background(), id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) sessionCount() int {
	h.t.Helper()
	n, err := h.sessions.Len(context.Background())
	require.NoError(h.t, err)
	return n
}

func (h *harness) eventTypes() []core.EventType {
	out := make([]core.EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func (h *harness) timerKinds() []core.TimerKind {
	out := make([]core.TimerKind, 0, len(h.timers))
	for _, c := range h.timers {
		out = append(out, c.Kind)
	}
	return out
}

// data returns an ACK segment from sport carrying payload at seq.
func data(sport uint16, seq uint32, payload string) pkttest.Segment {
	s := pkttest.Inbound(sport, testPort)
	s.ACK, s.Seq, s.Ack = true, seq, testISS+1
	if payload != "" {
		s.Payload = []byte(payload)
	}
	return s
}

func payload(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return string(b)
}
