package rxengine

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
)

type stage interface {
	run(ctx context.Context) error
	Reset()
}

// Engine is the TCP receive engine. Feed IPv4 packets through Input and drain every
// output channel; closing Input drains the pipeline and makes Run return.
type Engine struct {
	cfg      Config
	tables   Tables
	counters Counters
	log      log.Logger
	started  atomic.Bool

	in            chan []byte
	events        chan core.Event
	timers        chan core.TimerCommand
	opens         chan core.OpenStatus
	notifications chan core.Notification
	memWrites     chan core.MemWrite
	completions   chan core.WriteStatus
}

// New creates an engine.
func New(cfg Config, t Tables) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	d := cfg.QueueDepth
	return &Engine{
		cfg:           cfg,
		tables:        t,
		log:           log.GetLogger().WithField("component", "rxengine"),
		in:            make(chan []byte, d),
		events:        make(chan core.Event, d),
		timers:        make(chan core.TimerCommand, d),
		opens:         make(chan core.OpenStatus, d),
		notifications: make(chan core.Notification, d),
		memWrites:     make(chan core.MemWrite, d),
		completions:   make(chan core.WriteStatus, d),
	}, nil
}

// Input is the inbound IPv4 packet stream. The caller closes it to stop the engine.
func (e *Engine) Input() chan<- []byte { return e.in }

// Events is the outbound event stream toward the transmit side.
func (e *Engine) Events() <-chan core.Event { return e.events }

// Timers is the timer command stream.
func (e *Engine) Timers() <-chan core.TimerCommand { return e.timers }

// OpenStatus reports the outcome of active opens.
func (e *Engine) OpenStatus() <-chan core.OpenStatus { return e.opens }

// Notifications is the application notification stream.
func (e *Engine) Notifications() <-chan core.Notification { return e.notifications }

// MemWrites is the receive buffer write stream.
func (e *Engine) MemWrites() <-chan core.MemWrite { return e.memWrites }

// Completions accepts receive buffer write completions, one per MemWrite, in order.
func (e *Engine) Completions() chan<- core.WriteStatus { return e.completions }

// Counters returns the engine diagnostics.
func (e *Engine) Counters() *Counters { return &e.counters }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Run runs all stages until Input is closed and drained or ctx is cancelled. It may
// only be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return core.ErrEngineStopped
	}

	stages := e.stages()
	for _, s := range stages {
		s.Reset()
	}

	e.log.WithField("stages", len(stages)).Info("receive engine starting")
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		s := s
		g.Go(func() error {
			return s.run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		e.log.WithError(err).Error("receive engine stopped")
		return err
	}
	e.log.Info("receive engine stopped")
	return nil
}

func (e *Engine) stages() []stage {
	d := e.cfg.QueueDepth
	var (
		segments      = make(chan ipSegment, d)
		pseudo        = make(chan pseudoPacket, d)
		headers       = make(chan parsedHeader, d)
		marked        = make(chan markedPayload, d)
		portReqs      = make(chan portRequest, d)
		portReplies   = make(chan portReply, d)
		valid         = make(chan []byte, d)
		fsmMeta       = make(chan core.FSMMetadata, d)
		handlerEvents = make(chan core.Event, d)
		fsmEvents     = make(chan core.Event, d)
		handlerDrop   = make(chan bool, d)
		fsmDrop       = make(chan bool, d)
		kept          = make(chan []byte, d)
		writes        = make(chan core.WriteCommand, d)
		split         = make(chan bool, d)
		pending       = make(chan pendingNotification, d)
	)

	return []stage{
		&lengthExtractor{in: e.in, out: segments, log: e.log.WithField("stage", "length")},
		&pseudoHeaderBuilder{in: segments, out: pseudo},
		&checksumAccumulator{
			in:       pseudo,
			headers:  headers,
			payloads: marked,
			ports:    portReqs,
			counters: &e.counters,
			log:      e.log,
		},
		&invalidDropper{in: marked, out: valid},
		&portQuerier{ports: e.tables.Ports, in: portReqs, out: portReplies},
		&metadataHandler{
			sessions:  e.tables.Sessions,
			headers:   headers,
			portState: portReplies,
			fsm:       fsmMeta,
			events:    handlerEvents,
			drop:      handlerDrop,
			counters:  &e.counters,
			log:       e.log,
		},
		&stateMachine{
			cfg:      e.cfg,
			tables:   e.tables,
			in:       fsmMeta,
			events:   fsmEvents,
			timers:   e.timers,
			opens:    e.opens,
			drop:     fsmDrop,
			writes:   writes,
			notifies: pending,
			counters: &e.counters,
			log:      e.log,
		},
		&segmentDropper{in: valid, handlerDrop: handlerDrop, fsmDrop: fsmDrop, out: kept},
		&bufferWriter{size: e.cfg.BufferSize, commands: writes, payloads: kept, mem: e.memWrites, split: split},
		&appNotifier{
			in:          pending,
			split:       split,
			completions: e.completions,
			out:         e.notifications,
			counters:    &e.counters,
			log:         e.log,
		},
		&eventMux{handler: handlerEvents, fsm: fsmEvents, out: e.events},
	}
}
