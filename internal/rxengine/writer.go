package rxengine

import (
	"context"
	"fmt"

	"firestige.xyz/toe/internal/core"
)

// bufferWriter turns write commands into memory writes, splitting any write that
// crosses the end of the circular buffer. For every command it reports to the
// notifier whether the write was split.
type bufferWriter struct {
	size     uint32
	commands <-chan core.WriteCommand
	payloads <-chan []byte
	mem      chan<- core.MemWrite
	split    chan<- bool

	cmd core.WriteCommand
}

func (s *bufferWriter) Reset() {
	s.cmd = core.WriteCommand{}
}

func (s *bufferWriter) run(ctx context.Context) error {
	defer close(s.mem)
	defer close(s.split)
	for {
		cmd, ok, err := recv(ctx, s.commands)
		if err != nil || !ok {
			return err
		}
		s.cmd = cmd
		data, ok, err := recv(ctx, s.payloads)
		if err != nil {
			return err
		}
		if !ok || uint32(len(data)) != cmd.Length {
			return fmt.Errorf("session %d write of %d bytes: %w", cmd.Session, cmd.Length, errStreamBroken)
		}
		writes := splitWrite(cmd, data, s.size)
		for _, w := range writes {
			if err := send(ctx, s.mem, w); err != nil {
				return err
			}
		}
		if err := send(ctx, s.split, len(writes) == 2); err != nil {
			return err
		}
		s.Reset()
	}
}

// splitWrite returns one write, or two when offset+length exceeds size: the first
// fills the buffer up to its end, the second continues at offset 0.
func splitWrite(cmd core.WriteCommand, data []byte, size uint32) []core.MemWrite {
	if cmd.Offset+cmd.Length <= size {
		return []core.MemWrite{{WriteCommand: cmd, Data: data}}
	}
	first := size - cmd.Offset
	return []core.MemWrite{
		{
			WriteCommand: core.WriteCommand{Session: cmd.Session, Offset: cmd.Offset, Length: first},
			Data:         data[:first],
		},
		{
			WriteCommand: core.WriteCommand{Session: cmd.Session, Offset: 0, Length: cmd.Length - first},
			Data:         data[first:],
		},
	}
}
