package rxengine

import (
	"context"
	"encoding/binary"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
)

const (
	ipv4MinHeaderLen = 20
	ipProtoTCP       = 6
)

// lengthExtractor strips the IPv4 header, keeping the source and destination
// addresses, and computes the TCP segment length.
type lengthExtractor struct {
	in  <-chan []byte
	out chan<- ipSegment
	log log.Logger

	packets uint64
}

func (s *lengthExtractor) Reset() {
	s.packets = 0
}

func (s *lengthExtractor) run(ctx context.Context) error {
	defer close(s.out)
	for {
		pkt, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		s.packets++
		seg, err := s.extract(pkt)
		if err != nil {
			s.log.WithError(err).Debugf("packet %d skipped", s.packets)
			continue
		}
		metrics.SegmentsTotal.WithLabelValues("length").Inc()
		if err := send(ctx, s.out, seg); err != nil {
			return err
		}
	}
}

func (s *lengthExtractor) extract(pkt []byte) (ipSegment, error) {
	if len(pkt) < ipv4MinHeaderLen {
		return ipSegment{}, core.ErrPacketTooShort
	}
	if pkt[0]>>4 != 4 || pkt[9] != ipProtoTCP {
		return ipSegment{}, core.ErrUnsupportedProto
	}
	ihl := int(pkt[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(pkt[2:4]))
	if ihl < ipv4MinHeaderLen || total < ihl || total > len(pkt) {
		return ipSegment{}, core.ErrPacketTooShort
	}

	var seg ipSegment
	copy(seg.addrs[:], pkt[12:20])
	seg.segLen = uint16(total - ihl)
	seg.tcp = pkt[ihl:total]
	return seg, nil
}
