package rxengine

import (
	"context"
)

// invalidDropper discards payload of segments that failed the checksum. The checksum
// stage has already counted them.
type invalidDropper struct {
	in  <-chan markedPayload
	out chan<- []byte
}

func (s *invalidDropper) Reset() {}

func (s *invalidDropper) run(ctx context.Context) error {
	defer close(s.out)
	for {
		p, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		if !p.valid {
			continue
		}
		if err := send(ctx, s.out, p.data); err != nil {
			return err
		}
	}
}
