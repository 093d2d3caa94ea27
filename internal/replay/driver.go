// Package replay drives the receive engine from a packet capture.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/toe/internal/app"
	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/rxengine"
	"firestige.xyz/toe/internal/rxmem"
	"firestige.xyz/toe/internal/source/pcapfile"
	"firestige.xyz/toe/internal/tables"
	"firestige.xyz/toe/internal/wire"
)

// PacketSource yields captured packets until io.EOF.
type PacketSource interface {
	Next() (pcapfile.Packet, error)
}

// Options configures a replay.
type Options struct {
	Engine      rxengine.Config
	MaxSessions int
	ListenPorts []uint16
	// StreamCapacity bounds each session's application stream.
	StreamCapacity int
	// Trace receives the outbound streams as wire records when set.
	Trace io.Writer
	// Progress shows a progress bar on the writer when set.
	Progress io.Writer
}

// Report summarizes a replay.
type Report struct {
	Inbound       uint64                              `yaml:"inbound"`
	Outbound      uint64                              `yaml:"outbound"`
	Unmirrored    uint64                              `yaml:"unmirrored"`
	Events        map[string]uint64                   `yaml:"events"`
	Timers        map[string]uint64                   `yaml:"timers"`
	Notifications uint64                              `yaml:"notifications"`
	Opens         uint64                              `yaml:"opens"`
	Bytes         uint64                              `yaml:"bytes"`
	Recycled      uint64                              `yaml:"recycled"`
	Engine        rxengine.Stats                      `yaml:"engine"`
	Sessions      map[core.SessionID]app.SessionStats `yaml:"-"`
}

// Driver owns one engine with reference tables, memory and application.
type Driver struct {
	opts     Options
	sessions *tables.SessionTable
	states   *tables.StateTable
	rx       *tables.RxSeqTable
	tx       *tables.TxSeqTable
	ports    *tables.PortTable
	mem      *rxmem.Memory
	engine   *rxengine.Engine
	sink     *app.Sink
	mirror   *txMirror
	log      log.Logger
}

// New builds a driver and its engine.
func New(opts Options) (*Driver, error) {
	if opts.StreamCapacity <= 0 {
		opts.StreamCapacity = 1 << 20
	}
	mem, err := rxmem.New(opts.Engine.BufferSize)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		opts:     opts,
		sessions: tables.NewSessionTable(opts.MaxSessions),
		rx:       tables.NewRxSeqTable(),
		tx:       tables.NewTxSeqTable(),
		ports:    tables.NewPortTable(opts.ListenPorts...),
		mem:      mem,
		log:      log.GetLogger().WithField("component", "replay"),
	}
	d.states = tables.NewStateTable(d.sessions.Release)
	d.sink = app.NewSink(mem, d.rx, opts.StreamCapacity)
	d.sessions.BindPorts(d.ports)
	d.sessions.OnAllocate(d.recycle)
	d.mirror = newTxMirror(d.sessions, d.tx)

	d.engine, err = rxengine.NewBuilder().
		WithConfig(opts.Engine).
		WithSessions(d.sessions).
		WithStates(d.states).
		WithRxSeq(d.rx).
		WithTxSeq(d.tx).
		WithPorts(d.ports).
		Build()
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// recycle wipes what a previous connection left behind on id.
func (d *Driver) recycle(ctx context.Context, id core.SessionID) error {
	if err := tables.ClearSeq(d.rx, d.tx)(ctx, id); err != nil {
		return err
	}
	d.mem.Clear(id)
	d.sink.Reset(id)
	return nil
}

// Engine returns the driven engine.
func (d *Driver) Engine() *rxengine.Engine { return d.engine }

// Close stops the reference tables.
func (d *Driver) Close() error {
	for _, c := range []io.Closer{d.sessions, d.states, d.rx, d.tx, d.ports} {
		c.Close()
	}
	return nil
}

// Run replays src through the engine until src is exhausted and the engine has drained.
func (d *Driver) Run(ctx context.Context, src PacketSource) (*Report, error) {
	rep := &Report{
		Events: make(map[string]uint64),
		Timers: make(map[string]uint64),
	}
	var trace *wire.Writer
	if d.opts.Trace != nil {
		trace = wire.NewWriter(d.opts.Trace)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.engine.Run(gctx) })
	g.Go(func() error {
		return d.mem.Run(gctx, d.engine.MemWrites(), d.engine.Completions())
	})
	g.Go(func() error { return d.collect(gctx, rep, trace) })
	g.Go(func() error {
		defer close(d.engine.Input())
		return d.feed(gctx, src, rep)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return rep, err
	}
	if trace != nil {
		if err := trace.Flush(); err != nil {
			return rep, err
		}
	}

	rep.Unmirrored = d.mirror.missed
	rep.Engine = d.engine.Counters().Stats()
	rep.Sessions = d.sink.Stats()
	for _, s := range rep.Sessions {
		rep.Bytes += s.Bytes
	}
	for _, s := range d.sink.Finished() {
		rep.Bytes += s.Bytes
		rep.Recycled++
	}
	return rep, ctx.Err()
}

func (d *Driver) feed(ctx context.Context, src PacketSource, rep *Report) error {
	var bar *progressbar.ProgressBar
	if d.opts.Progress != nil {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(d.opts.Progress),
			progressbar.OptionSetDescription("replaying"),
		)
		defer bar.Finish()
	}

	for {
		p, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}

		if !p.Inbound {
			rep.Outbound++
			if err := d.mirror.observe(ctx, p); err != nil {
				return err
			}
			continue
		}
		rep.Inbound++
		select {
		case d.engine.Input() <- p.IPv4:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// collect drains every outbound engine stream until all are closed.
func (d *Driver) collect(ctx context.Context, rep *Report, trace *wire.Writer) error {
	events := d.engine.Events()
	timers := d.engine.Timers()
	opens := d.engine.OpenStatus()
	notes := d.engine.Notifications()

	record := func(r wire.Record) error {
		if trace == nil {
			return nil
		}
		return trace.Write(r)
	}

	for events != nil || timers != nil || opens != nil || notes != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			rep.Events[ev.Type.String()]++
			if err := record(wire.Record{Kind: wire.KindEvent, Event: ev}); err != nil {
				return err
			}
		case tc, ok := <-timers:
			if !ok {
				timers = nil
				continue
			}
			rep.Timers[tc.Kind.String()]++
			if err := record(wire.Record{Kind: wire.KindTimer, Timer: tc}); err != nil {
				return err
			}
		case st, ok := <-opens:
			if !ok {
				opens = nil
				continue
			}
			rep.Opens++
			if err := record(wire.Record{Kind: wire.KindOpenStatus, Open: st}); err != nil {
				return err
			}
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			rep.Notifications++
			if err := d.sink.Consume(ctx, n); err != nil {
				return err
			}
			if err := record(wire.Record{Kind: wire.KindNotification, Notification: n}); err != nil {
				return err
			}
		}
	}
	return nil
}

// SortedEvents returns the event counters in name order, for printing.
func (r *Report) SortedEvents() []string {
	out := make([]string, 0, len(r.Events))
	for k, v := range r.Events {
		out = append(out, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(out)
	return out
}
