package rxengine

import (
	"context"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/metrics"
)

// eventMux merges the metadata handler's and the state machine's events.
type eventMux struct {
	handler <-chan core.Event
	fsm     <-chan core.Event
	out     chan<- core.Event
}

func (s *eventMux) Reset() {}

func (s *eventMux) run(ctx context.Context) error {
	defer close(s.out)
	handler, fsm := s.handler, s.fsm
	for handler != nil || fsm != nil {
		var (
			ev core.Event
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok = <-handler:
			if !ok {
				handler = nil
				continue
			}
		case ev, ok = <-fsm:
			if !ok {
				fsm = nil
				continue
			}
		}
		metrics.EventsTotal.WithLabelValues(ev.Type.String()).Inc()
		if err := send(ctx, s.out, ev); err != nil {
			return err
		}
	}
	return nil
}
