package tables

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/log"
	"firestige.xyz/toe/internal/metrics"
)

// LookupReply is the answer to a session lookup.
type LookupReply struct {
	Hit     bool
	Session core.SessionID
}

// AllocateFunc prepares the per-session records of a freshly allocated id. It runs
// before the allocation is reported to the caller.
type AllocateFunc func(ctx context.Context, id core.SessionID) error

// SessionTable maps socket pairs, in the orientation of received segments, to session ids.
type SessionTable struct {
	*actor
	max    int
	byKey  map[core.SocketPair]core.SessionID
	byID   map[core.SessionID]core.SocketPair
	active map[core.SessionID]bool // opened by Open
	free   []core.SessionID
	next   core.SessionID

	ports      *PortTable
	onAllocate AllocateFunc
}

// NewSessionTable creates a session table holding at most max sessions.
func NewSessionTable(max int) *SessionTable {
	return &SessionTable{
		actor:  newActor(0),
		max:    max,
		byKey:  make(map[core.SocketPair]core.SessionID),
		byID:   make(map[core.SessionID]core.SocketPair),
		active: make(map[core.SessionID]bool),
	}
}

// BindPorts makes Open and Release keep the local port of active opens reachable in
// ports. Call it before the table is shared.
func (t *SessionTable) BindPorts(ports *PortTable) {
	t.ports = ports
}

// OnAllocate installs f for every newly allocated id. Call it before the table is shared.
func (t *SessionTable) OnAllocate(f AllocateFunc) {
	t.onAllocate = f
}

type allocation struct {
	id      core.SessionID
	created bool
}

// Lookup resolves pair to a session. With allowCreate a missing entry is allocated;
// a full table answers with a miss.
func (t *SessionTable) Lookup(ctx context.Context, pair core.SocketPair, allowCreate bool) (LookupReply, error) {
	a, err := exec(ctx, t.actor, func() (allocation, error) {
		if id, ok := t.byKey[pair]; ok {
			return allocation{id: id}, nil
		}
		if !allowCreate {
			return allocation{}, core.ErrSessionUnknown
		}
		id, err := t.allocate(pair)
		if err != nil {
			log.GetLogger().WithField("pair", pair.String()).Warn("session table full")
			return allocation{}, err
		}
		return allocation{id: id, created: true}, nil
	})
	switch {
	case errors.Is(err, core.ErrSessionUnknown), errors.Is(err, core.ErrSessionsFull):
		return LookupReply{}, nil
	case err != nil:
		return LookupReply{}, err
	}
	if err := t.prepare(ctx, a); err != nil {
		return LookupReply{}, err
	}
	return LookupReply{Hit: true, Session: a.id}, nil
}

// Open registers a session for an active open and returns its id. With bound ports the
// local port accepts segments until the session is released.
func (t *SessionTable) Open(ctx context.Context, pair core.SocketPair) (core.SessionID, error) {
	a, err := exec(ctx, t.actor, func() (allocation, error) {
		if id, ok := t.byKey[pair]; ok {
			return allocation{id: id}, nil
		}
		id, err := t.allocate(pair)
		if err != nil {
			return allocation{}, err
		}
		t.active[id] = true
		return allocation{id: id, created: true}, nil
	})
	if err != nil {
		return 0, err
	}
	if err := t.prepare(ctx, a); err != nil {
		return 0, err
	}
	if a.created && t.ports != nil {
		if err := t.ports.Activate(ctx, pair.DstPort); err != nil {
			return 0, fmt.Errorf("activate port %d: %w", pair.DstPort, err)
		}
	}
	return a.id, nil
}

// Release frees the session id and forgets its socket pair.
func (t *SessionTable) Release(ctx context.Context, id core.SessionID) error {
	type released struct {
		pair   core.SocketPair
		active bool
	}
	r, err := exec(ctx, t.actor, func() (released, error) {
		pair, ok := t.byID[id]
		if !ok {
			return released{}, core.ErrSessionUnknown
		}
		active := t.active[id]
		delete(t.byID, id)
		delete(t.byKey, pair)
		delete(t.active, id)
		t.free = append(t.free, id)
		metrics.ActiveSessions.Dec()
		return released{pair: pair, active: active}, nil
	})
	if err != nil {
		return err
	}
	if r.active && t.ports != nil {
		if err := t.ports.Deactivate(ctx, r.pair.DstPort); err != nil {
			return fmt.Errorf("deactivate port %d: %w", r.pair.DstPort, err)
		}
	}
	return nil
}

func (t *SessionTable) prepare(ctx context.Context, a allocation) error {
	if !a.created || t.onAllocate == nil {
		return nil
	}
	if err := t.onAllocate(ctx, a.id); err != nil {
		return fmt.Errorf("prepare session %d: %w", a.id, err)
	}
	return nil
}

// Pair returns the socket pair of a session.
func (t *SessionTable) Pair(ctx context.Context, id core.SessionID) (core.SocketPair, error) {
	return exec(ctx, t.actor, func() (core.SocketPair, error) {
		pair, ok := t.byID[id]
		if !ok {
			return core.SocketPair{}, core.ErrSessionUnknown
		}
		return pair, nil
	})
}

// Len returns the number of allocated sessions.
func (t *SessionTable) Len(ctx context.Context) (int, error) {
	return exec(ctx, t.actor, func() (int, error) {
		return len(t.byID), nil
	})
}

func (t *SessionTable) allocate(pair core.SocketPair) (core.SessionID, error) {
	if t.max > 0 && len(t.byID) >= t.max {
		return 0, core.ErrSessionsFull
	}
	var id core.SessionID
	// oldest released id first, so the tail of a closed connection drains before reuse
	if len(t.free) > 0 {
		id = t.free[0]
		t.free = t.free[1:]
	} else {
		id = t.next
		t.next++
	}
	t.byKey[pair] = id
	t.byID[id] = pair
	metrics.ActiveSessions.Inc()
	return id, nil
}
