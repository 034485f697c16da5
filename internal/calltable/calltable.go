// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package calltable implements the per-actor task table (spec §4.3): the
// callee-side invocation map and the caller-side reply queue map. It is the
// generalisation of go-cider/cider/services/rpc's dispatcher.calls map and
// go-meeko/meeko/services/rpc's executor.methodHandlers map to the
// cross-process, bounded-queue shape spec.md requires.
package calltable

import (
	"sync"

	"github.com/cider/nursery/internal/wire"
)

// Key identifies one invocation on the wire: the tuple (peer-uid, call-id)
// that spec §3 calls "globally unique for routing".
type Key struct {
	PeerUID string
	CallID  uint64
}

// QueueCapacity is the bounded reply-queue depth of spec §4.3: the producer
// (message loop) blocks once a queue is full, backpressuring the socket
// read that feeds it.
const QueueCapacity = 64

// Invocation is the callee-side record of one inbound invocation: a cancel
// handle, a reference to the invoked function for diagnostics, and a
// completion latch the canceller awaits.
type Invocation struct {
	Cancel   func()
	FuncName string
	// Self marks an invocation dispatched from the "self" namespace (such
	// as the arbiter's register_actor or wait_for_actor); _cancel_task
	// refuses to target these. The cancel and _cancel_task verbs are
	// answered inline by the message loop and never installed here.
	Self bool
	done chan struct{}
	once sync.Once
}

func newInvocation(funcName string, self bool, cancel func()) *Invocation {
	return &Invocation{FuncName: funcName, Self: self, Cancel: cancel, done: make(chan struct{})}
}

// MarkDone closes the completion latch. Idempotent.
func (inv *Invocation) MarkDone() {
	inv.once.Do(func() { close(inv.done) })
}

// Done returns a channel closed when the invocation has fully torn down.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Queue is the caller-side reply inbox for one outbound invocation: a
// bounded ordered channel of reply packets.
type Queue struct {
	C chan *wire.Packet
}

func newQueue() *Queue {
	return &Queue{C: make(chan *wire.Packet, QueueCapacity)}
}

// Table is the per-actor task table. All mutation happens from the owning
// actor's message-loop goroutine(s) guarded by a single mutex — spec §5
// requires no lock span an await, and every method here does at most one
// map operation, never a channel send under the lock.
type Table struct {
	mu          sync.Mutex
	invocations map[Key]*Invocation
	queues      map[Key]*Queue
}

func New() *Table {
	return &Table{
		invocations: make(map[Key]*Invocation),
		queues:      make(map[Key]*Queue),
	}
}

// InstallInvocation records an inbound invocation. Called by the message
// loop immediately before it spawns the Invocation Runner task.
func (t *Table) InstallInvocation(key Key, funcName string, self bool, cancel func()) *Invocation {
	inv := newInvocation(funcName, self, cancel)
	t.mu.Lock()
	t.invocations[key] = inv
	t.mu.Unlock()
	return inv
}

// LookupInvocation returns the invocation for key, if any is installed.
func (t *Table) LookupInvocation(key Key) (*Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.invocations[key]
	return inv, ok
}

// RemoveInvocation deletes the invocation entry. Called by the Invocation
// Runner on exit, after shipping its final reply.
func (t *Table) RemoveInvocation(key Key) {
	t.mu.Lock()
	delete(t.invocations, key)
	t.mu.Unlock()
}

// InvocationsForPeer returns a snapshot of invocations bound to peerUID, for
// bulk cancellation when that peer's channel tears down (§4.5 terminate
// state, §4.6 cancel sequence).
func (t *Table) InvocationsForPeer(peerUID string) map[Key]*Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Key]*Invocation)
	for k, inv := range t.invocations {
		if k.PeerUID == peerUID {
			out[k] = inv
		}
	}
	return out
}

// Snapshot returns every live invocation, keyed by wire key. Used by the
// built-in debug module (SPEC_FULL.md §9).
func (t *Table) Snapshot() map[Key]*Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Key]*Invocation, len(t.invocations))
	for k, v := range t.invocations {
		out[k] = v
	}
	return out
}

// EnsureQueue creates the caller-side reply queue for key if it does not
// exist yet. Pre-creation (called by the caller before it sends the cmd
// packet) avoids the race where a fast reply arrives before the caller has
// recorded its own queue; lazy creation (called by the message loop on
// first reply) covers the rest. Queues are never removed here — they close
// when the caller drops its receive end.
func (t *Table) EnsureQueue(key Key) *Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[key]
	if !ok {
		q = newQueue()
		t.queues[key] = q
	}
	return q
}

// LookupQueue returns the queue for key without creating one.
func (t *Table) LookupQueue(key Key) (*Queue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[key]
	return q, ok
}

// DropQueue removes the queue entry once the caller has drained it to
// completion (return/stop/error consumed) or abandoned it.
func (t *Table) DropQueue(key Key) {
	t.mu.Lock()
	delete(t.queues, key)
	t.mu.Unlock()
}
