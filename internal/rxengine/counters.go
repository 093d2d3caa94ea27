package rxengine

import (
	"sync/atomic"

	"firestige.xyz/toe/internal/metrics"
)

// DropReason distinguishes out-of-order drops.
type DropReason uint8

const (
	// DropDuplicate marks a segment whose bytes were all delivered already.
	DropDuplicate DropReason = iota
	// DropNoSpace marks a segment that does not fit in the receive buffer.
	DropNoSpace
	// DropRetransmit marks a retransmission or partial overlap that matches no case.
	DropRetransmit
)

func (r DropReason) String() string {
	switch r {
	case DropDuplicate:
		return "duplicate"
	case DropNoSpace:
		return "nospace"
	case DropRetransmit:
		return "retransmit"
	default:
		return "unknown"
	}
}

// Counters are the engine's diagnostics. They only grow until Reset.
type Counters struct {
	checksumDrops atomic.Uint64
	sessionDrops  atomic.Uint64
	oooDrops      atomic.Uint64
	oooByReason   [3]atomic.Uint64
	writeError    atomic.Bool
}

// Stats is a snapshot of Counters.
type Stats struct {
	ChecksumDrops uint64 `json:"checksum_drops" yaml:"checksum_drops"`
	SessionDrops  uint64 `json:"session_drops" yaml:"session_drops"`
	OOODrops      uint64 `json:"ooo_drops" yaml:"ooo_drops"`
	OOODuplicate  uint64 `json:"ooo_duplicate" yaml:"ooo_duplicate"`
	OOONoSpace    uint64 `json:"ooo_nospace" yaml:"ooo_nospace"`
	OOORetransmit uint64 `json:"ooo_retransmit" yaml:"ooo_retransmit"`
	WriteError    bool   `json:"write_error" yaml:"write_error"`
}

func (c *Counters) checksumDrop() {
	c.checksumDrops.Add(1)
	metrics.ChecksumDropsTotal.Inc()
}

func (c *Counters) sessionDrop() {
	c.sessionDrops.Add(1)
	metrics.SessionDropsTotal.Inc()
}

func (c *Counters) oooDrop(r DropReason) {
	c.oooDrops.Add(1)
	c.oooByReason[r].Add(1)
	metrics.OOODropsTotal.WithLabelValues(r.String()).Inc()
}

func (c *Counters) setWriteError() {
	c.writeError.Store(true)
	metrics.WriteErrorsTotal.Inc()
}

// Stats returns a snapshot.
func (c *Counters) Stats() Stats {
	return Stats{
		ChecksumDrops: c.checksumDrops.Load(),
		SessionDrops:  c.sessionDrops.Load(),
		OOODrops:      c.oooDrops.Load(),
		OOODuplicate:  c.oooByReason[DropDuplicate].Load(),
		OOONoSpace:    c.oooByReason[DropNoSpace].Load(),
		OOORetransmit: c.oooByReason[DropRetransmit].Load(),
		WriteError:    c.writeError.Load(),
	}
}

// Reset resets all counters and clears the write error flag.
func (c *Counters) Reset() {
	c.checksumDrops.Store(0)
	c.sessionDrops.Store(0)
	c.oooDrops.Store(0)
	for i := range c.oooByReason {
		c.oooByReason[i].Store(0)
	}
	c.writeError.Store(false)
}
