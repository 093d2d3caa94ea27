package rxengine

import (
	"context"
	"encoding/binary"
)

const pseudoHeaderLen = 12

// pseudoHeaderBuilder prepends the TCP pseudo-header to each segment.
type pseudoHeaderBuilder struct {
	in  <-chan ipSegment
	out chan<- pseudoPacket
}

func (s *pseudoHeaderBuilder) Reset() {}

func (s *pseudoHeaderBuilder) run(ctx context.Context) error {
	defer close(s.out)
	for {
		seg, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		if err := send(ctx, s.out, buildPseudo(seg)); err != nil {
			return err
		}
	}
}

func buildPseudo(seg ipSegment) pseudoPacket {
	buf := make([]byte, pseudoHeaderLen+len(seg.tcp))
	copy(buf[0:8], seg.addrs[:])
	buf[8] = 0
	buf[9] = ipProtoTCP
	binary.BigEndian.PutUint16(buf[10:12], seg.segLen)
	copy(buf[pseudoHeaderLen:], seg.tcp)
	return pseudoPacket{buf: buf}
}
