package rxengine

// Builder provides a fluent interface for building engines.
type Builder struct {
	config Config
	tables Tables
}

// NewBuilder creates a builder with default configuration.
func NewBuilder() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the engine configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithQueueDepth sets the inter-stage channel capacity.
func (b *Builder) WithQueueDepth(depth int) *Builder {
	b.config.QueueDepth = depth
	return b
}

// WithBufferSize sets the per-session receive buffer size.
func (b *Builder) WithBufferSize(size uint32) *Builder {
	b.config.BufferSize = size
	return b
}

// WithFastRetransmit toggles fast retransmit events.
func (b *Builder) WithFastRetransmit(on bool) *Builder {
	b.config.FastRetransmit = on
	return b
}

// WithSessions sets the session lookup table.
func (b *Builder) WithSessions(s SessionLookup) *Builder {
	b.tables.Sessions = s
	return b
}

// WithStates sets the TCP state table.
func (b *Builder) WithStates(s StateTable) *Builder {
	b.tables.States = s
	return b
}

// WithRxSeq sets the receive-sequence table.
func (b *Builder) WithRxSeq(t RxSeqTable) *Builder {
	b.tables.RxSeq = t
	return b
}

// WithTxSeq sets the transmit-sequence table.
func (b *Builder) WithTxSeq(t TxSeqTable) *Builder {
	b.tables.TxSeq = t
	return b
}

// WithPorts sets the listening port table.
func (b *Builder) WithPorts(p PortTable) *Builder {
	b.tables.Ports = p
	return b
}

// Build creates the engine.
func (b *Builder) Build() (*Engine, error) {
	return New(b.config, b.tables)
}
