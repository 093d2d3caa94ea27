// Package wire encodes the engine's outbound streams as length-delimited protobuf
// records, so a replay trace can be stored and compared.
//
//	message Record {
//	  oneof body {
//	    Event        event        = 1;
//	    Notification notification = 2;
//	    Timer        timer        = 3;
//	    OpenStatus   open         = 4;
//	  }
//	}
//	message Event        { uint32 type = 1; uint32 session = 2; uint32 seq = 3;
//	                       bytes src = 4; bytes dst = 5; uint32 sport = 6; uint32 dport = 7; }
//	message Notification { uint32 session = 1; uint32 length = 2; bytes peer = 3;
//	                       uint32 peer_port = 4; uint32 local_port = 5; bool closed = 6; }
//	message Timer        { uint32 kind = 1; uint32 session = 2; }
//	message OpenStatus   { uint32 session = 1; bool success = 2; }
package wire

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/toe/internal/core"
)

// Kind tags the body of a Record.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindNotification
	KindTimer
	KindOpenStatus
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindNotification:
		return "notification"
	case KindTimer:
		return "timer"
	case KindOpenStatus:
		return "open"
	default:
		return "unknown"
	}
}

// Record is one trace entry. Only the field matching Kind is meaningful.
type Record struct {
	Kind         Kind
	Event        core.Event
	Notification core.Notification
	Timer        core.TimerCommand
	Open         core.OpenStatus
}

var ErrMalformed = errors.New("toe: malformed trace record")

// Marshal encodes r as a Record message.
func Marshal(r Record) ([]byte, error) {
	var body []byte
	switch r.Kind {
	case KindEvent:
		body = marshalEvent(r.Event)
	case KindNotification:
		body = marshalNotification(r.Notification)
	case KindTimer:
		body = appendUint(nil, 1, uint64(r.Timer.Kind))
		body = appendUint(body, 2, uint64(r.Timer.Session))
	case KindOpenStatus:
		body = appendUint(nil, 1, uint64(r.Open.Session))
		body = appendBool(body, 2, r.Open.Success)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrMalformed, r.Kind)
	}
	b := protowire.AppendTag(nil, protowire.Number(r.Kind), protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// Unmarshal decodes a Record message.
func Unmarshal(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || num < protowire.Number(KindEvent) || num > protowire.Number(KindOpenStatus) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return r, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		r.Kind = Kind(num)
		if err := r.decodeBody(body); err != nil {
			return r, err
		}
	}
	if r.Kind == 0 {
		return r, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	return r, nil
}

func (r *Record) decodeBody(b []byte) error {
	return eachField(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch r.Kind {
		case KindEvent:
			return setEventField(&r.Event, num, v, raw)
		case KindNotification:
			return setNotificationField(&r.Notification, num, v, raw)
		case KindTimer:
			switch num {
			case 1:
				r.Timer.Kind = core.TimerKind(v)
			case 2:
				r.Timer.Session = core.SessionID(v)
			}
		case KindOpenStatus:
			switch num {
			case 1:
				r.Open.Session = core.SessionID(v)
			case 2:
				r.Open.Success = v != 0
			}
		}
		return nil
	})
}

func marshalEvent(e core.Event) []byte {
	b := appendUint(nil, 1, uint64(e.Type))
	b = appendUint(b, 2, uint64(e.Session))
	b = appendUint(b, 3, uint64(e.Seq))
	if e.Pair.SrcAddr.IsValid() {
		b = appendAddr(b, 4, e.Pair.SrcAddr)
		b = appendAddr(b, 5, e.Pair.DstAddr)
		b = appendUint(b, 6, uint64(e.Pair.SrcPort))
		b = appendUint(b, 7, uint64(e.Pair.DstPort))
	}
	return b
}

func setEventField(e *core.Event, num protowire.Number, v uint64, raw []byte) error {
	switch num {
	case 1:
		e.Type = core.EventType(v)
	case 2:
		e.Session = core.SessionID(v)
	case 3:
		e.Seq = uint32(v)
	case 4, 5:
		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			return fmt.Errorf("%w: event address", ErrMalformed)
		}
		if num == 4 {
			e.Pair.SrcAddr = addr
		} else {
			e.Pair.DstAddr = addr
		}
	case 6:
		e.Pair.SrcPort = uint16(v)
	case 7:
		e.Pair.DstPort = uint16(v)
	}
	return nil
}

func marshalNotification(n core.Notification) []byte {
	b := appendUint(nil, 1, uint64(n.Session))
	b = appendUint(b, 2, uint64(n.Length))
	if n.PeerAddr.IsValid() {
		b = appendAddr(b, 3, n.PeerAddr)
	}
	b = appendUint(b, 4, uint64(n.PeerPort))
	b = appendUint(b, 5, uint64(n.LocalPort))
	return appendBool(b, 6, n.Closed)
}

func setNotificationField(n *core.Notification, num protowire.Number, v uint64, raw []byte) error {
	switch num {
	case 1:
		n.Session = core.SessionID(v)
	case 2:
		n.Length = uint32(v)
	case 3:
		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			return fmt.Errorf("%w: peer address", ErrMalformed)
		}
		n.PeerAddr = addr
	case 4:
		n.PeerPort = uint16(v)
	case 5:
		n.LocalPort = uint16(v)
	case 6:
		n.Closed = v != 0
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendAddr(b []byte, num protowire.Number, a netip.Addr) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, a.AsSlice())
}

// eachField walks a message body, calling fn with the varint value or the raw bytes
// of every field.
func eachField(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, raw); err != nil {
			return err
		}
	}
	return nil
}
