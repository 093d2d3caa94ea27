package tables

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/toe/internal/core"
)

func testPair(port uint16) core.SocketPair {
	return core.SocketPair{
		SrcAddr: netip.MustParseAddr("10.0.0.2"),
		DstAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: port,
		DstPort: 80,
	}
}

func TestSessionLookup(t *testing.T) {
	ctx := context.Background()
	st := NewSessionTable(2)
	defer st.Close()

	r, err := st.Lookup(ctx, testPair(1000), false)
	require.NoError(t, err)
	assert.False(t, r.Hit)

	r, err = st.Lookup(ctx, testPair(1000), true)
	require.NoError(t, err)
	assert.True(t, r.Hit)
	first := r.Session

	r, err = st.Lookup(ctx, testPair(1000), false)
	require.NoError(t, err)
	assert.True(t, r.Hit)
	assert.Equal(t, first, r.Session)

	r, err = st.Lookup(ctx, testPair(1001), true)
	require.NoError(t, err)
	assert.True(t, r.Hit)
	assert.NotEqual(t, first, r.Session)

	// full
	r, err = st.Lookup(ctx, testPair(1002), true)
	require.NoError(t, err)
	assert.False(t, r.Hit)

	require.NoError(t, st.Release(ctx, first))
	assert.ErrorIs(t, st.Release(ctx, first), core.ErrSessionUnknown)

	r, err = st.Lookup(ctx, testPair(1002), true)
	require.NoError(t, err)
	assert.True(t, r.Hit)
	assert.Equal(t, first, r.Session, "released id is reused")

	pair, err := st.Pair(ctx, r.Session)
	require.NoError(t, err)
	assert.Equal(t, testPair(1002), pair)

	n, err := st.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSessionOpenFull(t *testing.T) {
	ctx := context.Background()
	st := NewSessionTable(1)
	defer st.Close()

	_, err := st.Open(ctx, testPair(1))
	require.NoError(t, err)
	_, err = st.Open(ctx, testPair(2))
	assert.ErrorIs(t, err, core.ErrSessionsFull)
}

func TestStateTableLock(t *testing.T) {
	ctx := context.Background()
	tbl := NewStateTable(nil)
	defer tbl.Close()

	s, err := tbl.Acquire(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, core.Closed, s)

	got := make(chan core.TCPState, 1)
	go func() {
		s, err := tbl.Acquire(ctx, 7)
		if err == nil {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("second Acquire must wait for the lock holder")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tbl.Update(ctx, 7, core.SynReceived))

	select {
	case s := <-got:
		assert.Equal(t, core.SynReceived, s)
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted the lock")
	}

	require.NoError(t, tbl.Release(ctx, 7))
	assert.ErrorIs(t, tbl.Release(ctx, 7), core.ErrSessionNotHeld)
}

func TestStateTableCancelledWaiter(t *testing.T) {
	tbl := NewStateTable(nil)
	defer tbl.Close()

	_, err := tbl.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tbl.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tbl.Release(context.Background(), 1))

	// The cancelled waiter must not keep the session locked.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = tbl.Acquire(ctx2, 1)
	require.NoError(t, err)
}

func TestStateTableReleaseHook(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessionTable(4)
	defer sessions.Close()
	tbl := NewStateTable(sessions.Release)
	defer tbl.Close()

	id, err := sessions.Open(ctx, testPair(5))
	require.NoError(t, err)

	require.NoError(t, tbl.Set(ctx, id, core.Established))
	n, _ := sessions.Len(ctx)
	assert.Equal(t, 1, n)

	require.NoError(t, tbl.Set(ctx, id, core.Closed))
	n, _ = sessions.Len(ctx)
	assert.Equal(t, 0, n)

	// Closing an unknown session is not an error.
	assert.NoError(t, tbl.Set(ctx, 99, core.Closed))
}

func TestClosedTable(t *testing.T) {
	tbl := NewPortTable(80)
	require.NoError(t, tbl.Close())
	_, err := tbl.IsOpen(context.Background(), 80)
	assert.ErrorIs(t, err, core.ErrTableClosed)
}

func TestRxSeqOps(t *testing.T) {
	ctx := context.Background()
	tbl := NewRxSeqTable()
	defer tbl.Close()

	r, err := tbl.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, core.RxSeq{}, r)

	require.NoError(t, tbl.Update(ctx, 3, RxSeqUpdate{Op: RxInit, Rcvd: 1001}))
	require.NoError(t, tbl.Update(ctx, 3, RxSeqUpdate{Op: RxWriteOOO, OOO: true, OOOTail: 1101, OOOHead: 1201}))
	require.NoError(t, tbl.Update(ctx, 3, RxSeqUpdate{Op: RxWriteAppd, Appd: 1050}))

	r, err = tbl.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, core.RxSeq{Rcvd: 1001, Appd: 1050, OOO: true, OOOTail: 1101, OOOHead: 1201}, r)

	require.NoError(t, tbl.Update(ctx, 3, RxSeqUpdate{Op: RxWriteRcvd, Rcvd: 1201}))
	r, _ = tbl.Read(ctx, 3)
	assert.Equal(t, core.RxSeq{Rcvd: 1201, Appd: 1050}, r)
}

func TestTxSeqOps(t *testing.T) {
	ctx := context.Background()
	tbl := NewTxSeqTable()
	defer tbl.Close()

	require.NoError(t, tbl.Start(ctx, 1, 5000))
	require.NoError(t, tbl.Update(ctx, 1, TxSeqUpdate{Op: TxInit, Seq: core.TxSeq{
		PrevAckd: 5000, Window: 8192, MSS: 1460, CongWindow: 14600, SlowStartThreshold: 0xFFFF,
	}}))
	require.NoError(t, tbl.Sent(ctx, 1, 6001))
	require.NoError(t, tbl.Update(ctx, 1, TxSeqUpdate{Op: TxWriteAck, Seq: core.TxSeq{
		PrevAckd: 5500, PrevUnak: 1, Window: 4096, CongWindow: 16060, DupAcks: 1,
	}}))

	r, err := tbl.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, core.TxSeq{
		PrevAckd:           5500,
		PrevUnak:           6001,
		CongWindow:         16060,
		SlowStartThreshold: 0xFFFF,
		Window:             4096,
		MSS:                1460,
		DupAcks:            1,
	}, r)
}

func TestPortTable(t *testing.T) {
	ctx := context.Background()
	tbl := NewPortTable(80, 443)
	defer tbl.Close()

	for _, tc := range []struct {
		port uint16
		open bool
	}{{80, true}, {443, true}, {8080, false}} {
		open, err := tbl.IsOpen(ctx, tc.port)
		require.NoError(t, err)
		assert.Equal(t, tc.open, open, "port %d", tc.port)
	}

	require.NoError(t, tbl.Listen(ctx, 8080))
	require.NoError(t, tbl.Unlisten(ctx, 80))
	open, _ := tbl.IsOpen(ctx, 8080)
	assert.True(t, open)
	open, _ = tbl.IsOpen(ctx, 80)
	assert.False(t, open)
}

func TestPortTableActiveOpens(t *testing.T) {
	ctx := context.Background()
	tbl := NewPortTable(80)
	defer tbl.Close()

	require.NoError(t, tbl.Activate(ctx, 50000))
	require.NoError(t, tbl.Activate(ctx, 50000))
	open, err := tbl.IsOpen(ctx, 50000)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, tbl.Deactivate(ctx, 50000))
	open, _ = tbl.IsOpen(ctx, 50000)
	assert.True(t, open, "one active open remains")

	require.NoError(t, tbl.Deactivate(ctx, 50000))
	open, _ = tbl.IsOpen(ctx, 50000)
	assert.False(t, open)

	// Unlisten leaves active opens alone.
	require.NoError(t, tbl.Activate(ctx, 80))
	require.NoError(t, tbl.Unlisten(ctx, 80))
	open, _ = tbl.IsOpen(ctx, 80)
	assert.True(t, open)
}

func TestSessionOpenActivatesPort(t *testing.T) {
	ctx := context.Background()
	ports := NewPortTable(80)
	defer ports.Close()
	st := NewSessionTable(4)
	defer st.Close()
	st.BindPorts(ports)

	pair := testPair(443)
	pair.DstPort = 50000
	id, err := st.Open(ctx, pair)
	require.NoError(t, err)
	open, err := ports.IsOpen(ctx, 50000)
	require.NoError(t, err)
	assert.True(t, open)

	// A repeated Open is the same session and does not count twice.
	again, err := st.Open(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, st.Release(ctx, id))
	open, _ = ports.IsOpen(ctx, 50000)
	assert.False(t, open)

	// Passive sessions leave the port table untouched.
	r, err := st.Lookup(ctx, testPair(1000), true)
	require.NoError(t, err)
	require.NoError(t, st.Release(ctx, r.Session))
	open, _ = ports.IsOpen(ctx, 80)
	assert.True(t, open)
}

func TestSessionAllocateHook(t *testing.T) {
	ctx := context.Background()
	st := NewSessionTable(4)
	defer st.Close()

	var prepared []core.SessionID
	st.OnAllocate(func(_ context.Context, id core.SessionID) error {
		prepared = append(prepared, id)
		return nil
	})

	a, err := st.Open(ctx, testPair(1))
	require.NoError(t, err)
	r, err := st.Lookup(ctx, testPair(2), true)
	require.NoError(t, err)
	b := r.Session

	// hits do not allocate
	_, err = st.Lookup(ctx, testPair(2), false)
	require.NoError(t, err)
	_, err = st.Open(ctx, testPair(1))
	require.NoError(t, err)
	assert.Equal(t, []core.SessionID{a, b}, prepared)

	// The oldest released id is handed out first.
	require.NoError(t, st.Release(ctx, a))
	require.NoError(t, st.Release(ctx, b))
	r, err = st.Lookup(ctx, testPair(3), true)
	require.NoError(t, err)
	assert.Equal(t, a, r.Session)
	assert.Equal(t, []core.SessionID{a, b, a}, prepared)
}

func TestSessionAllocateHookError(t *testing.T) {
	ctx := context.Background()
	st := NewSessionTable(4)
	defer st.Close()
	boom := errors.New("boom")
	st.OnAllocate(func(context.Context, core.SessionID) error { return boom })

	_, err := st.Open(ctx, testPair(1))
	assert.ErrorIs(t, err, boom)
	_, err = st.Lookup(ctx, testPair(2), true)
	assert.ErrorIs(t, err, boom)
}

func TestSeqClear(t *testing.T) {
	ctx := context.Background()
	rx := NewRxSeqTable()
	defer rx.Close()
	tx := NewTxSeqTable()
	defer tx.Close()

	require.NoError(t, rx.Update(ctx, 2, RxSeqUpdate{Op: RxInit, Rcvd: 700}))
	require.NoError(t, tx.Start(ctx, 2, 300))

	require.NoError(t, rx.Clear(ctx, 2))
	require.NoError(t, tx.Clear(ctx, 2))

	r, err := rx.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, core.RxSeq{}, r)
	s, err := tx.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, core.TxSeq{}, s)
}

func TestClearSeqOnReuse(t *testing.T) {
	ctx := context.Background()
	st := NewSessionTable(1)
	defer st.Close()
	rx := NewRxSeqTable()
	defer rx.Close()
	tx := NewTxSeqTable()
	defer tx.Close()
	st.OnAllocate(ClearSeq(rx, tx))

	id, err := st.Open(ctx, testPair(1))
	require.NoError(t, err)
	require.NoError(t, rx.Update(ctx, id, RxSeqUpdate{Op: RxInit, Rcvd: 900}))
	require.NoError(t, tx.Start(ctx, id, 300))
	require.NoError(t, st.Release(ctx, id))

	r, err := st.Lookup(ctx, testPair(2), true)
	require.NoError(t, err)
	require.Equal(t, id, r.Session)

	rs, _ := rx.Read(ctx, id)
	assert.Equal(t, core.RxSeq{}, rs)
	ts, _ := tx.Read(ctx, id)
	assert.Equal(t, core.TxSeq{}, ts)
}
