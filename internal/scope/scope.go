// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package scope implements the nursery primitive: a group of tasks that
// share a cancellation and a join point, modeling a lifetime stack as a
// single owned stack of scope handles. It generalises the termCh/termAckCh
// pattern used throughout cider-cider's dispatcher, executor, and
// meekod/supervisor loops into one reusable type.
package scope

import (
	"context"
	"sync"
)

// Group is a set of goroutines that share a context and are joined
// together. Cancelling the group unwinds every descendant before Wait
// returns, matching spec §5's "cancelling a scope unwinds all descendant
// tasks before the parent scope proceeds".
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens a scope as a child of parent. Cancelling parent also cancels
// the new scope, but cancelling the new scope never reaches back up to
// parent — matching spec §4.6's three nested, independently cancellable
// groups (root / service / listener).
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Go starts fn as a tracked child of the group.
func (g *Group) Go(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(g.ctx)
	}()
}

// Cancel cancels the group's context. Idempotent (context.CancelFunc is).
func (g *Group) Cancel() {
	g.cancel()
}

// Wait blocks until every task started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Context returns the scope's context, for tasks needing to observe
// cancellation directly rather than through Go's injected ctx.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Done reports whether the scope's context has been cancelled.
func (g *Group) Done() <-chan struct{} {
	return g.ctx.Done()
}
