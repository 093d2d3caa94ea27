package rxengine

import (
	"fmt"

	"firestige.xyz/toe/internal/config"
	"firestige.xyz/toe/internal/core"
)

// Config holds engine parameters.
type Config struct {
	// QueueDepth is the capacity of every inter-stage channel.
	QueueDepth int
	// BufferSize is the per-session receive buffer size, a power of two.
	BufferSize         uint32
	MSS                uint16
	SlowStartThreshold uint32
	FastRetransmit     bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:         64,
		BufferSize:         65536,
		MSS:                1460,
		SlowStartThreshold: 0xFFFF,
		FastRetransmit:     true,
	}
}

// ConfigFrom converts the engine section of the global configuration.
func ConfigFrom(c config.EngineConfig) Config {
	return Config{
		QueueDepth:         c.QueueDepth,
		BufferSize:         c.RxBufferSize,
		MSS:                c.MSS,
		SlowStartThreshold: c.SlowStartThreshold,
		FastRetransmit:     c.FastRetransmit,
	}
}

func (c Config) validate() error {
	if c.QueueDepth <= 0 {
		return fmt.Errorf("%w: queue depth must be positive", core.ErrConfigInvalid)
	}
	if c.BufferSize < 2 || c.BufferSize&(c.BufferSize-1) != 0 {
		return fmt.Errorf("%w: %d", core.ErrBufferSizeRange, c.BufferSize)
	}
	if c.MSS == 0 {
		return fmt.Errorf("%w: mss must be positive", core.ErrConfigInvalid)
	}
	return nil
}
