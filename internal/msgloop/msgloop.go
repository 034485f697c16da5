// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package msgloop implements the Message Loop (spec §4.5, C5): one instance
// per inbound peer connection, demultiplexing packets into "reply to my
// outgoing call" (routed into a calltable.Queue) or "remote wants me to run
// X" (spawned through the Invocation Runner). It generalises the select
// loop of go-cider/cider/services/rpc's dispatcher and go-meeko's executor
// — both single-purpose loops — into one loop that handles every call
// shape for a connection.
package msgloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/cider/nursery/internal/calltable"
	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/invoke"
	"github.com/cider/nursery/internal/rtlog"
	"github.com/cider/nursery/internal/wire"
)

// Receiver is the minimal channel.Channel surface the loop needs to read
// from; kept as an interface so tests can drive it without a socket.
type Receiver interface {
	invoke.Sender
	Recv(ctx context.Context) (*wire.Packet, error)
}

// Spawner starts fn as a child task of the actor's service group (spec
// §4.6). Cancelling one invocation goes through the cancel handle the loop
// installs in the task table, not through the Spawner. The loop never manages
// goroutine lifetimes itself — that is the supervisor's job — it only asks
// for one per inbound invocation.
type Spawner interface {
	Go(fn func(ctx context.Context))
}

// Module is one namespace's resolved dispatch table (spec §6: "a static
// mapping module-name → filesystem path", generalised to an in-memory
// name → typed-dispatcher map per Design Note §9).
type Module map[string]*invoke.Dispatcher

// SelfHooks is the one privileged self.* verb every loop must answer
// without going through the module dispatch table, because it reaches back
// into the owning actor rather than into a per-namespace handler (spec
// §4.6's shielded cancel path). _cancel_task needs no such hook — it only
// ever targets an invocation tracked by this same loop, which Loop.CancelTask
// already implements locally. Arbiter verbs (register_actor, find_actor,
// ...) are ordinary dispatchers registered under modules["self"] instead.
type SelfHooks struct {
	// Cancel starts the actor's cancel sequence. Fire-and-forget: the ack
	// is returned before teardown completes.
	Cancel func()
}

// Loop is one per-peer message loop.
type Loop struct {
	recv      Receiver
	table     *calltable.Table
	spawner   Spawner
	modules   map[string]Module
	hooks     SelfHooks
	peerUID   string
	calleeUID string

	contextRecvMu sync.Mutex
	contextRecv   map[calltable.Key]chan interface{}

	originatorsMu sync.Mutex
	originators   map[calltable.Key]string
}

func New(recv Receiver, table *calltable.Table, spawner Spawner, modules map[string]Module, hooks SelfHooks, peerUID, calleeUID string) *Loop {
	return &Loop{
		recv:        recv,
		table:       table,
		spawner:     spawner,
		modules:     modules,
		hooks:       hooks,
		peerUID:     peerUID,
		calleeUID:   calleeUID,
		contextRecv: make(map[calltable.Key]chan interface{}),
		originators: make(map[calltable.Key]string),
	}
}

// Run drives the loop until the peer sends wire.TagNull, the transport
// closes cleanly, or ctx is cancelled. On return every invocation this loop
// spawned has been cancelled (spec §4.5's terminate state).
func (l *Loop) Run(ctx context.Context) {
	for {
		p, err := l.recv.Recv(ctx)
		if err != nil {
			rtlog.Debugf("msgloop[%s]: transport error: %v", l.peerUID, err)
			l.terminate()
			return
		}
		if p == nil {
			l.terminate()
			return
		}

		switch {
		case p.Tag == wire.TagCmd:
			l.handleCmd(ctx, p)
		case p.CallID != 0:
			l.route(p)
		default:
			// A non-cmd packet with no call-id is a channel-level error
			// from the peer. It is only logged and the loop keeps
			// reading: the channel is not marked as errored and Run's
			// caller is not told about it.
			rtlog.Warnf("msgloop[%s]: channel-level error from peer: %+v", l.peerUID, p.Err)
		}
	}
}

// route delivers a non-cmd, call-id-bearing packet in wire order: first to
// an outbound call's reply queue (the common case — we called the peer),
// else to a locally hosted context call's inbound stream (the peer is
// streaming values into a @context call we are running for it).
func (l *Loop) route(p *wire.Packet) {
	key := calltable.Key{PeerUID: l.peerUID, CallID: p.CallID}

	if q, ok := l.table.LookupQueue(key); ok {
		select {
		case q.C <- p:
		default:
			// Queue is full: block, which backpressures this loop's Recv,
			// which backpressures the socket read (spec §5 Backpressure).
			q.C <- p
		}
		if p.Tag == wire.TagReturn || p.Tag == wire.TagStop || p.Tag == wire.TagError {
			// Terminal packets are left for the consumer to drain and
			// drop the queue; nothing further arrives for this call-id.
		}
		return
	}

	l.contextRecvMu.Lock()
	recvCh, ok := l.contextRecv[key]
	l.contextRecvMu.Unlock()
	if ok && p.Tag == wire.TagYield {
		select {
		case recvCh <- p.Value:
		default:
			recvCh <- p.Value
		}
		return
	}

	rtlog.Debugf("msgloop[%s]: dropping packet for unknown call %d", l.peerUID, p.CallID)
}

func (l *Loop) handleCmd(ctx context.Context, p *wire.Packet) {
	if p.Namespace == "self" {
		l.handleSelf(ctx, p)
		return
	}

	mod, ok := l.modules[p.Namespace]
	if !ok {
		l.shipModuleNotExposed(p)
		return
	}
	disp, ok := mod[p.Function]
	if !ok {
		l.shipModuleNotExposed(p)
		return
	}

	l.spawnInvocation(ctx, p, disp)
}

func (l *Loop) handleSelf(ctx context.Context, p *wire.Packet) {
	switch p.Function {
	case "cancel":
		if l.hooks.Cancel != nil {
			go l.hooks.Cancel()
		}
		l.recv.Send(wire.Return(nil, p.CallID))
		return
	case "_cancel_task":
		cid, ok := toUint64(p.Kwargs["cid"])
		if !ok {
			l.recv.Send(wire.Error(errkind.PackedError{
				Kind:      errkind.ArgumentError,
				Message:   "_cancel_task requires an integer cid",
				RemoteUID: l.calleeUID,
			}, p.CallID))
			return
		}
		if err := l.CancelTask(cid, p.CallerUID); err != nil {
			l.shipCancelError(p, err)
			return
		}
		l.recv.Send(wire.Return(nil, p.CallID))
		return
	}

	mod, ok := l.modules["self"]
	if !ok {
		l.shipModuleNotExposed(p)
		return
	}
	disp, ok := mod[p.Function]
	if !ok {
		l.shipModuleNotExposed(p)
		return
	}
	// Arbiter verbs (register_actor, find_actor, ...) run under the same
	// spawn path as any other module invocation.
	l.spawnInvocation(ctx, p, disp)
}

func (l *Loop) shipCancelError(p *wire.Packet, err error) {
	if ue, ok := err.(interface{ Kind() errkind.Kind }); ok {
		l.recv.Send(wire.Error(errkind.PackedError{
			Kind:      ue.Kind(),
			Message:   err.Error(),
			RemoteUID: l.calleeUID,
		}, p.CallID))
		return
	}
	l.recv.Send(wire.Error(errkind.PackedError{
		Kind:      errkind.RemoteActorError,
		Message:   err.Error(),
		RemoteUID: l.calleeUID,
	}, p.CallID))
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint:
		return uint64(n), true
	default:
		return 0, false
	}
}

func (l *Loop) shipModuleNotExposed(p *wire.Packet) {
	l.recv.Send(wire.Error(errkind.PackedError{
		Kind:      errkind.ModuleNotExposed,
		Message:   fmt.Sprintf("%s.%s is not exposed", p.Namespace, p.Function),
		RemoteUID: l.calleeUID,
	}, p.CallID))
}

func (l *Loop) spawnInvocation(ctx context.Context, p *wire.Packet, disp *invoke.Dispatcher) {
	key := calltable.Key{PeerUID: l.peerUID, CallID: p.CallID}

	var recvCh chan interface{}
	if disp.Kind == wire.KindContext {
		recvCh = make(chan interface{}, calltable.QueueCapacity)
		l.contextRecvMu.Lock()
		l.contextRecv[key] = recvCh
		l.contextRecvMu.Unlock()
	}

	invCtx, cancel := context.WithCancel(ctx)

	inv := l.table.InstallInvocation(key, p.Function, p.Namespace == "self", cancel)

	l.spawner.Go(func(_ context.Context) {
		defer func() {
			cancel()
			if recvCh != nil {
				l.contextRecvMu.Lock()
				delete(l.contextRecv, key)
				l.contextRecvMu.Unlock()
			}
			l.table.RemoveInvocation(key)
			l.originatorsMu.Lock()
			delete(l.originators, key)
			l.originatorsMu.Unlock()
			inv.MarkDone()
		}()

		runner := invoke.New(l.recv, l.calleeUID)
		runner.Run(invCtx, disp, p.Kwargs, p.CallID, recvCh, func() string {
			l.originatorsMu.Lock()
			defer l.originatorsMu.Unlock()
			return l.originators[key]
		})
	})
}

// CancelTask implements the callee side of _cancel_task (spec §4.7): look
// up (peer-uid, call-id) *on this loop's own channel* — a caller may only
// cancel invocations it reaches through the channel it is cancelling over
// — trigger its cancel handle, and await the completion latch. Missing
// entries are a no-op (already completed). callerUID is recorded so a
// @context target can report "remotely cancelled by <uid>".
func (l *Loop) CancelTask(callID uint64, callerUID string) error {
	key := calltable.Key{PeerUID: l.peerUID, CallID: callID}

	inv, ok := l.table.LookupInvocation(key)
	if !ok {
		return nil
	}
	if inv.Self {
		// Refuse to cancel an invocation of a "self" namespace verb.
		return errkind.NewUserError(errkind.ArgumentError, "a task cannot cancel itself")
	}

	l.originatorsMu.Lock()
	l.originators[key] = callerUID
	l.originatorsMu.Unlock()

	inv.Cancel()
	<-inv.Done()
	return nil
}

// terminate cancels every invocation this loop spawned (peer uid scoped),
// per spec §4.5's terminate state and §4.6's cancel sequence.
func (l *Loop) terminate() {
	for _, inv := range l.table.InvocationsForPeer(l.peerUID) {
		inv.Cancel()
		<-inv.Done()
	}
}
