package rxengine

import (
	"context"
	"fmt"
)

type dropPhase uint8

const (
	awaitHandlerDecision dropPhase = iota
	awaitFSMDecision
)

func (p dropPhase) String() string {
	if p == awaitFSMDecision {
		return "AWAIT_FSM_DECISION"
	}
	return "AWAIT_HANDLER_DECISION"
}

// segmentDropper forwards a validated payload only when both the metadata handler and
// the state machine keep it. The state machine is consulted only for payloads the
// handler kept.
type segmentDropper struct {
	in          <-chan []byte
	handlerDrop <-chan bool
	fsmDrop     <-chan bool
	out         chan<- []byte

	phase dropPhase
}

func (s *segmentDropper) Reset() {
	s.phase = awaitHandlerDecision
}

func (s *segmentDropper) run(ctx context.Context) error {
	defer close(s.out)
	for {
		payload, ok, err := recv(ctx, s.in)
		if err != nil || !ok {
			return err
		}
		keep, err := s.decide(ctx)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		if err := send(ctx, s.out, payload); err != nil {
			return err
		}
	}
}

func (s *segmentDropper) decide(ctx context.Context) (bool, error) {
	defer s.Reset()
	s.phase = awaitHandlerDecision
	drop, ok, err := recv(ctx, s.handlerDrop)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("segment dropper in %s: %w", s.phase, errStreamBroken)
	}
	if drop {
		return false, nil
	}

	s.phase = awaitFSMDecision
	drop, ok, err = recv(ctx, s.fsmDrop)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("segment dropper in %s: %w", s.phase, errStreamBroken)
	}
	return !drop, nil
}
