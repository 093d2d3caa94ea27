// Package tables provides in-memory reference implementations of the tables the
// receive engine consults: session lookup, TCP state, receive and transmit sequence,
// and listening ports.
//
// Each table is an actor: one goroutine owns the table's data and serves requests
// one at a time, so no caller ever observes a half-applied update.
package tables

import (
	"context"
	"sync"

	"firestige.xyz/toe/internal/core"
)

// actor serializes operations on a single goroutine.
type actor struct {
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newActor(depth int) *actor {
	if depth <= 0 {
		depth = 16
	}
	a := &actor{
		ops:  make(chan func(), depth),
		done: make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *actor) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case op := <-a.ops:
			op()
		}
	}
}

// Close stops the actor goroutine. Pending callers receive core.ErrTableClosed.
func (a *actor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
	return nil
}

type result[T any] struct {
	val T
	err error
}

// call runs f on the actor goroutine. f receives a resolve callback and may keep it
// to answer later, which is how the state table parks lock waiters.
func call[T any](ctx context.Context, a *actor, f func(resolve func(T, error))) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	resolve := func(v T, err error) {
		reply <- result[T]{val: v, err: err}
	}

	select {
	case a.ops <- func() { f(resolve) }:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.done:
		return zero, core.ErrTableClosed
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.done:
		return zero, core.ErrTableClosed
	}
}

// exec is call for operations that always answer immediately.
func exec[T any](ctx context.Context, a *actor, f func() (T, error)) (T, error) {
	return call(ctx, a, func(resolve func(T, error)) {
		resolve(f())
	})
}
