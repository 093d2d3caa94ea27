package tables

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/toe/internal/core"
)

// ReleaseFunc is invoked after a session has been moved back to CLOSED.
type ReleaseFunc func(ctx context.Context, id core.SessionID) error

type stateEntry struct {
	state   core.TCPState
	locked  bool
	waiters []stateWaiter
}

type stateWaiter struct {
	ctx     context.Context
	resolve func(core.TCPState, error)
}

// StateTable holds the TCP state of each session.
//
// Acquire reads the state and locks the session; the lock is held until the holder
// writes the next state with Update or gives it up with Release. Other Acquire calls on
// the same session wait in FIFO order.
type StateTable struct {
	*actor
	entries   map[core.SessionID]*stateEntry
	onRelease ReleaseFunc
}

// NewStateTable creates a state table. onRelease may be nil.
func NewStateTable(onRelease ReleaseFunc) *StateTable {
	return &StateTable{
		actor:     newActor(0),
		entries:   make(map[core.SessionID]*stateEntry),
		onRelease: onRelease,
	}
}

func (t *StateTable) entry(id core.SessionID) *stateEntry {
	e, ok := t.entries[id]
	if !ok {
		e = &stateEntry{state: core.Closed}
		t.entries[id] = e
	}
	return e
}

// Acquire returns the state of id and locks the session for the caller.
func (t *StateTable) Acquire(ctx context.Context, id core.SessionID) (core.TCPState, error) {
	reply := make(chan result[core.TCPState], 1)
	resolve := func(s core.TCPState, err error) {
		reply <- result[core.TCPState]{val: s, err: err}
	}
	op := func() {
		e := t.entry(id)
		if !e.locked {
			e.locked = true
			resolve(e.state, nil)
			return
		}
		e.waiters = append(e.waiters, stateWaiter{ctx: ctx, resolve: resolve})
	}

	select {
	case t.ops <- op:
	case <-ctx.Done():
		return core.Closed, ctx.Err()
	case <-t.done:
		return core.Closed, core.ErrTableClosed
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		// The lock may still be granted later; hand it back when it is.
		go func() {
			select {
			case r := <-reply:
				if r.err == nil {
					_ = t.Release(context.Background(), id)
				}
			case <-t.done:
			}
		}()
		return core.Closed, ctx.Err()
	case <-t.done:
		return core.Closed, core.ErrTableClosed
	}
}

// Update writes the state of id and releases the caller's lock, if any. Moving a
// session to CLOSED triggers the release hook.
func (t *StateTable) Update(ctx context.Context, id core.SessionID, state core.TCPState) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		e := t.entry(id)
		e.state = state
		if e.locked {
			t.unlock(e)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	if state == core.Closed && t.onRelease != nil {
		if err := t.onRelease(ctx, id); err != nil && !errors.Is(err, core.ErrSessionUnknown) {
			return fmt.Errorf("release session %d: %w", id, err)
		}
	}
	return nil
}

// Release drops the caller's lock without changing the state.
func (t *StateTable) Release(ctx context.Context, id core.SessionID) error {
	_, err := exec(ctx, t.actor, func() (struct{}, error) {
		e, ok := t.entries[id]
		if !ok || !e.locked {
			return struct{}{}, core.ErrSessionNotHeld
		}
		t.unlock(e)
		return struct{}{}, nil
	})
	return err
}

// Set is Acquire followed by Update, for writers outside the receive path.
func (t *StateTable) Set(ctx context.Context, id core.SessionID, state core.TCPState) error {
	if _, err := t.Acquire(ctx, id); err != nil {
		return err
	}
	return t.Update(ctx, id, state)
}

// unlock hands the lock to the first live waiter or clears it.
func (t *StateTable) unlock(e *stateEntry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		if err := w.ctx.Err(); err != nil {
			w.resolve(core.Closed, err)
			continue
		}
		w.resolve(e.state, nil)
		return
	}
	e.locked = false
}
