package rxengine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/pkttest"
	"firestige.xyz/toe/internal/tables"
)

func newChecksum() *checksumAccumulator {
	return &checksumAccumulator{counters: &Counters{}, log: log.Discard()}
}

func pseudoOf(t *testing.T, pkt []byte) pseudoPacket {
	t.Helper()
	l := &lengthExtractor{log: log.Discard()}
	seg, err := l.extract(pkt)
	require.NoError(t, err)
	return buildPseudo(seg)
}

func TestLengthExtractor(t *testing.T) {
	good := data(40000, 1, "hello").IPv4()

	tests := []struct {
		name string
		pkt  func() []byte
		err  error
	}{
		{"short", func() []byte { return good[:12] }, core.ErrPacketTooShort},
		{"ipv6", func() []byte {
			p := append([]byte(nil), good...)
			p[0] = 0x60
			return p
		}, core.ErrUnsupportedProto},
		{"udp", func() []byte {
			p := append([]byte(nil), good...)
			p[9] = 17
			return p
		}, core.ErrUnsupportedProto},
		{"truncated", func() []byte { return good[:len(good)-1] }, core.ErrPacketTooShort},
		{"bad ihl", func() []byte {
			p := append([]byte(nil), good...)
			p[0] = 0x44
			return p
		}, core.ErrPacketTooShort},
	}
	l := &lengthExtractor{log: log.Discard()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.extract(tt.pkt())
			assert.ErrorIs(t, err, tt.err)
		})
	}

	seg, err := l.extract(good)
	require.NoError(t, err)
	assert.Equal(t, uint16(20+5), seg.segLen)
	assert.Equal(t, []byte{10, 1, 0, 2, 10, 1, 0, 1}, seg.addrs[:])
}

func TestLengthExtractorIgnoresTrailer(t *testing.T) {
	pkt := append(data(40000, 1, "abc").IPv4(), 0, 0, 0, 0)
	l := &lengthExtractor{log: log.Discard()}

	seg, err := l.extract(pkt)
	require.NoError(t, err)
	assert.Len(t, seg.tcp, 23)
	assert.Zero(t, newChecksum().sum(buildPseudo(seg).buf))
}

func TestChecksumMatchesSerializer(t *testing.T) {
	for _, p := range []string{"", "a", "ab", "odd", payload(1001), payload(1460)} {
		pp := pseudoOf(t, data(40000, 77, p).IPv4())
		assert.Zero(t, newChecksum().sum(pp.buf), "payload length %d", len(p))
	}

	pp := pseudoOf(t, pkttest.Corrupt(data(40000, 77, "odd").IPv4()))
	assert.NotZero(t, newChecksum().sum(pp.buf))
}

func TestFold(t *testing.T) {
	assert.Equal(t, uint32(0xffff), fold(0xffff))
	assert.Equal(t, uint32(0x0001), fold(0x10000))
	assert.Equal(t, uint32(0xffff), fold(0xfffeffff+1))
}

func TestParseHeader(t *testing.T) {
	seg := pkttest.Inbound(40000, testPort)
	seg.SYN, seg.ACK = true, true
	seg.Seq, seg.Ack, seg.Window, seg.MSS = 0x01020304, 0xa0b0c0d0, 1234, 1400
	seg.Payload = []byte("xyz")
	pp := pseudoOf(t, seg.IPv4())

	h, body, ok := newChecksum().parse(pp.buf[:8], pp.buf[pseudoHeaderLen:])
	require.True(t, ok)
	assert.Equal(t, core.Metadata{
		Seq:    0x01020304,
		Ack:    0xa0b0c0d0,
		Window: 1234,
		Length: 3,
		Flags:  core.FlagSYN | core.FlagACK,
		MSS:    1400,
	}, h.meta)
	assert.Equal(t, testPair(40000), h.pair)
	assert.Equal(t, []byte("xyz"), body)
}

func TestParseMalformed(t *testing.T) {
	c := newChecksum()
	_, _, ok := c.parse(make([]byte, 8), make([]byte, 19))
	assert.False(t, ok)

	hdr := make([]byte, 20)
	hdr[12] = 0x40 // data offset 16 bytes
	_, _, ok = c.parse(make([]byte, 8), hdr)
	assert.False(t, ok)

	hdr[12] = 0x60 // data offset beyond the segment
	_, _, ok = c.parse(make([]byte, 8), hdr)
	assert.False(t, ok)
}

func TestMalformedHeaderCountsAsChecksumDrop(t *testing.T) {
	c := newChecksum()
	pp := pseudoPacket{buf: make([]byte, pseudoHeaderLen+10)}

	require.NoError(t, c.process(context.Background(), pp))
	assert.Equal(t, uint64(1), c.counters.Stats().ChecksumDrops)
}

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []byte
		want uint16
	}{
		{"none", nil, 0},
		{"mss", []byte{2, 4, 0x05, 0xb4}, 1460},
		{"nop padded", []byte{1, 1, 2, 4, 0x05, 0x78}, 1400},
		{"after window scale", []byte{3, 3, 7, 1, 2, 4, 0x02, 0x18}, 536},
		{"end of list", []byte{0, 0, 2, 4, 0x05, 0xb4}, 0},
		{"truncated", []byte{2, 4, 0x05}, 0},
		{"zero length", []byte{8, 0, 2, 4, 0x05, 0xb4}, 0},
		{"bad mss length", []byte{2, 3, 0x05, 1, 1, 1}, 0},
	}
	c := newChecksum()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.parseOptions(tt.opts))
		})
	}
}

func TestSplitWriteCommand(t *testing.T) {
	payload := []byte("0123456789")

	whole := splitWrite(core.WriteCommand{Session: 3, Offset: 54, Length: 10}, payload, 64)
	require.Len(t, whole, 1)
	assert.Equal(t, core.WriteCommand{Session: 3, Offset: 54, Length: 10}, whole[0].WriteCommand)

	parts := splitWrite(core.WriteCommand{Session: 3, Offset: 60, Length: 10}, payload, 64)
	require.Len(t, parts, 2)
	assert.Equal(t, core.WriteCommand{Session: 3, Offset: 60, Length: 4}, parts[0].WriteCommand)
	assert.Equal(t, []byte("0123"), parts[0].Data)
	assert.Equal(t, core.WriteCommand{Session: 3, Offset: 0, Length: 6}, parts[1].WriteCommand)
	assert.Equal(t, []byte("456789"), parts[1].Data)
}

func TestSegmentDropperOrder(t *testing.T) {
	in := make(chan []byte, 4)
	handlerDrop := make(chan bool, 4)
	fsmDrop := make(chan bool, 4)
	out := make(chan []byte, 4)
	s := &segmentDropper{in: in, handlerDrop: handlerDrop, fsmDrop: fsmDrop, out: out}

	// closed port, kept, dropped by the state machine
	for _, p := range []string{"a", "b", "c"} {
		in <- []byte(p)
	}
	handlerDrop <- true
	handlerDrop <- false
	handlerDrop <- false
	fsmDrop <- false
	fsmDrop <- true
	close(in)
	close(handlerDrop)
	close(fsmDrop)

	require.NoError(t, s.run(context.Background()))
	var kept []string
	for p := range out {
		kept = append(kept, string(p))
	}
	assert.Equal(t, []string{"b"}, kept)
}

func TestSegmentDropperOutOfStep(t *testing.T) {
	tests := []struct {
		name    string
		handler []bool
		phase   string
	}{
		{"no handler decision", nil, "AWAIT_HANDLER_DECISION"},
		{"no fsm decision", []bool{false}, "AWAIT_FSM_DECISION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make(chan []byte, 1)
			handlerDrop := make(chan bool, 1)
			fsmDrop := make(chan bool)
			out := make(chan []byte, 1)
			s := &segmentDropper{in: in, handlerDrop: handlerDrop, fsmDrop: fsmDrop, out: out}

			in <- []byte("x")
			for _, d := range tt.handler {
				handlerDrop <- d
			}
			close(handlerDrop)
			close(fsmDrop)

			err := s.run(context.Background())
			assert.ErrorIs(t, err, errStreamBroken)
			assert.ErrorContains(t, err, tt.phase)
		})
	}
}

type failingLookup struct{ err error }

func (f failingLookup) Lookup(context.Context, core.SocketPair, bool) (tables.LookupReply, error) {
	return tables.LookupReply{}, f.err
}

func newMetadataHandler(sessions SessionLookup) (*metadataHandler, chan parsedHeader, chan portReply) {
	headers := make(chan parsedHeader, 1)
	ports := make(chan portReply, 1)
	return &metadataHandler{
		sessions:  sessions,
		headers:   headers,
		portState: ports,
		fsm:       make(chan core.FSMMetadata, 1),
		events:    make(chan core.Event, 1),
		drop:      make(chan bool, 1),
		counters:  &Counters{},
		log:       log.Discard(),
	}, headers, ports
}

func TestMetadataHandlerOutOfStep(t *testing.T) {
	s, headers, ports := newMetadataHandler(failingLookup{})
	headers <- parsedHeader{pair: testPair(40000)}
	close(ports)

	err := s.run(context.Background())
	assert.ErrorIs(t, err, errStreamBroken)
	assert.ErrorContains(t, err, "AWAIT_PORT_STATE")
}

func TestMetadataHandlerLookupError(t *testing.T) {
	boom := errors.New("table gone")
	s, headers, ports := newMetadataHandler(failingLookup{err: boom})
	headers <- parsedHeader{pair: testPair(40000)}
	ports <- portReply{open: true}

	err := s.run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "AWAIT_LOOKUP")
}
