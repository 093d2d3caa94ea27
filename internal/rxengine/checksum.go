package rxengine

import (
	"context"
	"encoding/binary"
	"net/netip"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
)

const (
	tcpMinHeaderLen = 20
	tcpOptEnd       = 0
	tcpOptNOP       = 1
	tcpOptMSS       = 2
	checksumLanes   = 4
)

// checksumAccumulator verifies the TCP checksum, parses the header and requests the
// destination port state. Header and port request are only emitted for valid segments;
// payload is emitted with its verdict either way.
type checksumAccumulator struct {
	in       <-chan pseudoPacket
	headers  chan<- parsedHeader
	payloads chan<- markedPayload
	ports    chan<- portRequest
	counters *Counters
	log      log.Logger

	lanes [checksumLanes]uint32
}

func (s *checksumAccumulator) Reset() {
	s.lanes = [checksumLanes]uint32{}
}

func (s *checksumAccumulator) run(ctx context.Context) error {
	defer close(s.headers)
	defer close(s.payloads)
	defer close(s.ports)
	for {
		pp, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		if err := s.process(ctx, pp); err != nil {
			return err
		}
	}
}

func (s *checksumAccumulator) process(ctx context.Context, pp pseudoPacket) error {
	s.Reset()
	valid := s.sum(pp.buf) == 0

	tcp := pp.buf[pseudoHeaderLen:]
	hdr, payload, ok := s.parse(pp.buf[:8], tcp)
	if !ok {
		s.counters.checksumDrop()
		s.log.WithField("stage", "checksum").Debug("malformed tcp header")
		return nil
	}
	if !valid {
		s.counters.checksumDrop()
		s.log.WithField("stage", "checksum").WithField("pair", hdr.pair.String()).Debug("checksum mismatch")
		if len(payload) > 0 {
			return send(ctx, s.payloads, markedPayload{valid: false, data: payload})
		}
		return nil
	}

	metrics.SegmentsTotal.WithLabelValues("checksum").Inc()
	if err := send(ctx, s.ports, portRequest{port: hdr.pair.DstPort}); err != nil {
		return err
	}
	if err := send(ctx, s.headers, hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		return send(ctx, s.payloads, markedPayload{valid: true, data: payload})
	}
	return nil
}

// sum folds the ones'-complement sum of buf and returns its complement, which is zero
// for a segment carrying a correct checksum. Words are spread round-robin over the
// lanes and the lanes are combined at the end.
func (s *checksumAccumulator) sum(buf []byte) uint16 {
	i := 0
	for w := 0; i+1 < len(buf); w++ {
		s.lanes[w%checksumLanes] += uint32(binary.BigEndian.Uint16(buf[i:]))
		i += 2
		if s.lanes[w%checksumLanes]&0x80000000 != 0 {
			s.lanes[w%checksumLanes] = fold(s.lanes[w%checksumLanes])
		}
	}
	if i < len(buf) {
		s.lanes[0] += uint32(buf[i]) << 8
	}

	var total uint32
	for _, l := range s.lanes {
		total += fold(l)
	}
	return ^uint16(fold(total))
}

func fold(v uint32) uint32 {
	for v > 0xffff {
		v = (v >> 16) + (v & 0xffff)
	}
	return v
}

// parse extracts Metadata and the socket pair. addrs is the source and destination
// address prefix of the pseudo-header.
func (s *checksumAccumulator) parse(addrs []byte, tcp []byte) (parsedHeader, []byte, bool) {
	if len(tcp) < tcpMinHeaderLen {
		return parsedHeader{}, nil, false
	}
	dataOff := int(tcp[12]>>4) * 4
	if dataOff < tcpMinHeaderLen || dataOff > len(tcp) {
		return parsedHeader{}, nil, false
	}

	var h parsedHeader
	h.pair = core.SocketPair{
		SrcAddr: netip.AddrFrom4([4]byte(addrs[0:4])),
		DstAddr: netip.AddrFrom4([4]byte(addrs[4:8])),
		SrcPort: binary.BigEndian.Uint16(tcp[0:2]),
		DstPort: binary.BigEndian.Uint16(tcp[2:4]),
	}
	h.meta = core.Metadata{
		Seq:    binary.BigEndian.Uint32(tcp[4:8]),
		Ack:    binary.BigEndian.Uint32(tcp[8:12]),
		Flags:  core.FlagsFromHeader(tcp[13]),
		Window: binary.BigEndian.Uint16(tcp[14:16]),
		Length: uint16(len(tcp) - dataOff),
	}
	h.meta.MSS = s.parseOptions(tcp[tcpMinHeaderLen:dataOff])
	return h, tcp[dataOff:], true
}

// parseOptions returns the MSS option value, or 0. Other options are skipped.
func (s *checksumAccumulator) parseOptions(opts []byte) uint16 {
	var mss uint16
	for len(opts) > 0 {
		kind := opts[0]
		switch kind {
		case tcpOptEnd:
			return mss
		case tcpOptNOP:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
			s.log.WithField("stage", "checksum").Debugf("truncated tcp option %d", kind)
			return mss
		}
		n := int(opts[1])
		if kind == tcpOptMSS && n == 4 {
			mss = binary.BigEndian.Uint16(opts[2:4])
		} else {
			s.log.WithField("stage", "checksum").Tracef("ignoring tcp option %d", kind)
		}
		opts = opts[n:]
	}
	return mss
}
