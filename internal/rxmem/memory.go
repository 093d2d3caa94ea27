// Package rxmem implements the receive buffer memory: one circular region per
// session, written from the engine's write stream and read by the application.
package rxmem

import (
	"context"
	"fmt"
	"sync"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
)

// FaultFunc decides whether a write fails. It is for tests and fault drills.
type FaultFunc func(w core.WriteCommand) bool

// Memory holds per-session receive buffers of a fixed power-of-two size.
type Memory struct {
	size uint32

	mu      sync.RWMutex
	regions map[core.SessionID][]byte
	fault   FaultFunc
	writes  uint64
}

// New creates a memory with regions of size bytes.
func New(size uint32) (*Memory, error) {
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", core.ErrBufferSizeRange, size)
	}
	return &Memory{
		size:    size,
		regions: make(map[core.SessionID][]byte),
	}, nil
}

// Size returns the region size.
func (m *Memory) Size() uint32 { return m.size }

// SetFault installs f, or removes the fault injector when f is nil.
func (m *Memory) SetFault(f FaultFunc) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// Write stores w and reports whether it succeeded.
func (m *Memory) Write(w core.MemWrite) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fault != nil && m.fault(w.WriteCommand) {
		return false
	}
	if w.Offset+w.Length > m.size || int(w.Length) != len(w.Data) {
		return false
	}
	r := m.region(w.Session)
	copy(r[w.Offset:], w.Data)
	return true
}

// Read copies n bytes of session id starting at sequence number seq, following the
// wrap at the end of the region.
func (m *Memory) Read(id core.SessionID, seq uint32, n uint32) []byte {
	if n > m.size {
		n = m.size
	}
	out := make([]byte, n)
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok {
		return out
	}
	off := seq & (m.size - 1)
	c := copy(out, r[off:])
	copy(out[c:], r)
	return out
}

// Clear forgets the region of a session.
func (m *Memory) Clear(id core.SessionID) {
	m.mu.Lock()
	delete(m.regions, id)
	m.mu.Unlock()
}

// Writes returns the number of writes attempted.
func (m *Memory) Writes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) region(id core.SessionID) []byte {
	r, ok := m.regions[id]
	if !ok {
		r = make([]byte, m.size)
		m.regions[id] = r
	}
	return r
}

// Run serves writes and answers each with a completion on status, in order, until
// writes is closed or ctx is cancelled.
func (m *Memory) Run(ctx context.Context, writes <-chan core.MemWrite, status chan<- core.WriteStatus) error {
	logger := log.GetLogger().WithField("component", "rxmem")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w, ok := <-writes:
			if !ok {
				return nil
			}
			okWrite := m.Write(w)
			if !okWrite {
				logger.WithField("session", w.Session).Warnf("write of %d bytes at %d failed", w.Length, w.Offset)
			}
			select {
			case status <- core.WriteStatus{Session: w.Session, OK: okWrite}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
