package rxengine

import (
	"context"
	"fmt"
)

// portQuerier serves the checksum stage's port requests from the port table, in order.
type portQuerier struct {
	ports PortTable
	in    <-chan portRequest
	out   chan<- portReply
}

func (s *portQuerier) Reset() {}

func (s *portQuerier) run(ctx context.Context) error {
	defer close(s.out)
	for {
		req, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		open, err := s.ports.IsOpen(ctx, req.port)
		if err != nil {
			return fmt.Errorf("port %d state: %w", req.port, err)
		}
		if err := send(ctx, s.out, portReply{open: open}); err != nil {
			return err
		}
	}
}
