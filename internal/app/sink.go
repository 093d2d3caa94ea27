// Package app is a reference application consumer. It reads notified bytes out of the
// receive buffer into per-session streams and advances the application read pointer.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallnest/ringbuffer"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/tables"
)

// BufferReader reads session bytes by sequence number.
type BufferReader interface {
	Read(id core.SessionID, seq uint32, n uint32) []byte
}

// RxSeqTable is the part of the receive-sequence table the consumer uses.
type RxSeqTable interface {
	Read(ctx context.Context, id core.SessionID) (core.RxSeq, error)
	Update(ctx context.Context, id core.SessionID, u tables.RxSeqUpdate) error
}

// SessionStats describes what the consumer received on one session.
type SessionStats struct {
	Bytes    uint64
	Overflow uint64
	Closed   bool
}

type stream struct {
	buf   *ringbuffer.RingBuffer
	stats SessionStats
}

// Sink consumes notifications.
type Sink struct {
	mem      BufferReader
	rx       RxSeqTable
	capacity int
	log      log.Logger

	mu       sync.Mutex
	streams  map[core.SessionID]*stream
	finished []SessionStats
}

// NewSink creates a consumer whose per-session streams hold up to capacity bytes.
func NewSink(mem BufferReader, rx RxSeqTable, capacity int) *Sink {
	return &Sink{
		mem:      mem,
		rx:       rx,
		capacity: capacity,
		log:      log.GetLogger().WithField("component", "app"),
		streams:  make(map[core.SessionID]*stream),
	}
}

// Run consumes notifications until the channel is closed or ctx is cancelled.
func (s *Sink) Run(ctx context.Context, notifications <-chan core.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			if err := s.Consume(ctx, n); err != nil {
				return err
			}
		}
	}
}

// Consume handles one notification: it copies the notified bytes into the session
// stream and releases them from the receive buffer.
func (s *Sink) Consume(ctx context.Context, n core.Notification) error {
	st := s.stream(n.Session)
	if n.Length > 0 {
		r, err := s.rx.Read(ctx, n.Session)
		if err != nil {
			return fmt.Errorf("session %d rx seq: %w", n.Session, err)
		}
		data := s.mem.Read(n.Session, r.Appd, n.Length)

		s.mu.Lock()
		written, werr := st.buf.Write(data)
		st.stats.Bytes += uint64(written)
		st.stats.Overflow += uint64(len(data) - written)
		s.mu.Unlock()
		if werr != nil {
			s.log.WithField("session", n.Session).WithError(werr).Warnf("stream overflow, %d bytes lost", len(data)-written)
		}

		u := tables.RxSeqUpdate{Op: tables.RxWriteAppd, Appd: r.Appd + n.Length}
		if err := s.rx.Update(ctx, n.Session, u); err != nil {
			return fmt.Errorf("session %d appd: %w", n.Session, err)
		}
	}
	if n.Closed {
		s.mu.Lock()
		st.stats.Closed = true
		s.mu.Unlock()
		s.log.WithField("session", n.Session).WithField("peer", n.PeerAddr.String()).Debug("session closed by peer")
	}
	return nil
}

// Read reads buffered bytes of a session into p.
func (s *Sink) Read(id core.SessionID, p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok || st.buf.Length() == 0 {
		return 0
	}
	n, _ := st.buf.Read(p)
	return n
}

// Buffered returns the number of unread bytes of a session.
func (s *Sink) Buffered(id core.SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[id]; ok {
		return st.buf.Length()
	}
	return 0
}

// Reset retires the stream of id so the id can carry a new connection. The retired
// statistics stay available through Finished.
func (s *Sink) Reset(id core.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return
	}
	s.finished = append(s.finished, st.stats)
	delete(s.streams, id)
}

// Finished returns the statistics of retired streams in retirement order.
func (s *Sink) Finished() []SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionStats(nil), s.finished...)
}

// Stats returns per-session statistics of the live streams.
func (s *Sink) Stats() map[core.SessionID]SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[core.SessionID]SessionStats, len(s.streams))
	for id, st := range s.streams {
		out[id] = st.stats
	}
	return out
}

func (s *Sink) stream(id core.SessionID) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		st = &stream{buf: ringbuffer.New(s.capacity)}
		s.streams[id] = st
	}
	return st
}
