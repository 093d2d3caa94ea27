package rxengine

import (
	"context"
	"fmt"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
)

type handlerState uint8

const (
	awaitPortState handlerState = iota
	awaitLookup
)

func (s handlerState) String() string {
	if s == awaitLookup {
		return "AWAIT_LOOKUP"
	}
	return "AWAIT_PORT_STATE"
}

// metadataHandler resolves validated segments to sessions. Segments to closed ports
// are answered with RST; payload of unresolved segments is marked for dropping.
type metadataHandler struct {
	sessions  SessionLookup
	headers   <-chan parsedHeader
	portState <-chan portReply
	fsm       chan<- core.FSMMetadata
	events    chan<- core.Event
	drop      chan<- bool
	counters  *Counters
	log       log.Logger

	state handlerState
	cur   parsedHeader
}

func (s *metadataHandler) Reset() {
	s.state = awaitPortState
	s.cur = parsedHeader{}
}

func (s *metadataHandler) run(ctx context.Context) error {
	defer close(s.fsm)
	defer close(s.events)
	defer close(s.drop)
	s.Reset()
	for {
		h, ok, err := recv(ctx, s.headers)
		if err != nil || !ok {
			return err
		}
		s.cur = h
		reply, ok, err := recv(ctx, s.portState)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("metadata handler in %s: %w", s.state, errStreamBroken)
		}
		if err := s.handle(ctx, reply.open); err != nil {
			return err
		}
		s.Reset()
	}
}

func (s *metadataHandler) handle(ctx context.Context, open bool) error {
	meta := s.cur.meta
	logger := s.log.WithField("stage", "metadata").WithField("pair", s.cur.pair.String())

	if !open {
		logger.Debug("port closed")
		if !meta.Flags.Has(core.FlagRST) {
			ev := core.Event{Type: core.EventRST, Pair: s.cur.pair, Seq: meta.Seq + meta.SeqSpace()}
			if err := send(ctx, s.events, ev); err != nil {
				return err
			}
		}
		return s.dropPayload(ctx)
	}

	s.state = awaitLookup
	reply, err := s.sessions.Lookup(ctx, s.cur.pair, meta.Flags.PureSYN())
	if err != nil {
		return fmt.Errorf("session lookup %s in %s: %w", s.cur.pair, s.state, err)
	}
	if !reply.Hit {
		logger.Debug("session lookup miss")
		return s.dropPayload(ctx)
	}

	logger.WithField("session", reply.Session).Trace("session resolved")
	fm := core.FSMMetadata{
		Session:   reply.Session,
		PeerAddr:  s.cur.pair.SrcAddr,
		PeerPort:  s.cur.pair.SrcPort,
		LocalPort: s.cur.pair.DstPort,
		Meta:      meta,
	}
	if err := send(ctx, s.fsm, fm); err != nil {
		return err
	}
	if meta.Length > 0 {
		return send(ctx, s.drop, false)
	}
	return nil
}

func (s *metadataHandler) dropPayload(ctx context.Context) error {
	if s.cur.meta.Length == 0 {
		return nil
	}
	s.counters.sessionDrop()
	return send(ctx, s.drop, true)
}
