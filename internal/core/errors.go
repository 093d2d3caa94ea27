// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the receive engine and its collaborators.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("toe: packet too short")
	ErrUnsupportedProto = errors.New("toe: unsupported protocol")

	// Engine lifecycle errors
	ErrEngineStopped = errors.New("toe: engine stopped")

	// Table errors
	ErrTableClosed     = errors.New("toe: table closed")
	ErrSessionUnknown  = errors.New("toe: unknown session")
	ErrSessionsFull    = errors.New("toe: session table full")
	ErrSessionNotHeld  = errors.New("toe: session lock not held")
	ErrBufferSizeRange = errors.New("toe: receive buffer size must be a power of two")

	// Configuration errors
	ErrConfigInvalid = errors.New("toe: invalid configuration")
)
