package rxengine

import (
	"context"

	"firestige.xyz/toe/internal/core"
)

// ipSegment is the length extractor's output: the address prefix of the IPv4 header
// followed by the TCP segment.
type ipSegment struct {
	addrs  [8]byte
	segLen uint16
	tcp    []byte
}

// pseudoPacket is a TCP segment preceded by its 12-byte pseudo-header.
type pseudoPacket struct {
	buf []byte
}

// parsedHeader carries the validated header fields to the metadata handler.
type parsedHeader struct {
	meta core.Metadata
	pair core.SocketPair
}

// markedPayload is a payload tagged with the checksum verdict of its segment.
type markedPayload struct {
	valid bool
	data  []byte
}

type portRequest struct {
	port uint16
}

type portReply struct {
	open bool
}

// pendingNotification is what the state machine hands to the notifier. hasWrite is
// set when the notification must wait for buffer write completions.
type pendingNotification struct {
	n        core.Notification
	hasWrite bool
}

// send delivers v unless ctx is cancelled first.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv receives from ch. ok is false when ch is closed.
func recv[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}
