// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package portal implements the caller side of an invocation (spec §4.3's
// caller-side half of the task table): allocate a call-id, send the cmd
// packet, and drain the reply queue according to the three call shapes. It
// is the outbound mirror of internal/invoke, generalising go-cider's
// call.go client helpers to the three wire shapes spec.md requires.
package portal

import (
	"context"
	"fmt"

	"github.com/cider/nursery/internal/calltable"
	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/wire"
)

// Sender is the channel.Channel surface a Portal writes onto.
type Sender interface {
	Send(p *wire.Packet) error
}

// Portal is a caller's view of one peer: it owns no connection itself, only
// the id allocator and task table entries needed to correlate replies.
type Portal struct {
	sender    Sender
	table     *calltable.Table
	ids       *calltable.IDPool
	peerUID   string
	localUID  string
}

func New(sender Sender, table *calltable.Table, ids *calltable.IDPool, peerUID, localUID string) *Portal {
	return &Portal{sender: sender, table: table, ids: ids, peerUID: peerUID, localUID: localUID}
}

func asRemoteErr(p *wire.Packet) error {
	if p.Err == nil {
		return errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.Unknown, Message: "malformed error packet"})
	}
	return errkind.NewRemoteActorError(*p.Err)
}

// drainFuncType reads and discards the mandatory functype acknowledgement,
// verifying it announces the shape the caller expected (spec §3's "exactly
// one of... functype").
func (p *Portal) drainFuncType(q *calltable.Queue, want wire.FuncKind) error {
	pkt := <-q.C
	if pkt == nil {
		return errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: "channel closed before functype"})
	}
	if pkt.Tag != wire.TagFuncType {
		return fmt.Errorf("portal: expected functype, got %s", pkt.Tag)
	}
	if pkt.FuncKind != want {
		return fmt.Errorf("portal: callee exposes %v as a different call shape", pkt.FuncKind)
	}
	return nil
}

// CallFunc invokes an @asyncfunc and blocks for its single reply (spec
// §4.4's asyncfunc shape).
func (p *Portal) CallFunc(ctx context.Context, ns, fn string, kwargs map[string]interface{}) (interface{}, error) {
	callID := p.ids.Allocate()
	defer p.ids.Release(callID)

	key := calltable.Key{PeerUID: p.peerUID, CallID: callID}
	q := p.table.EnsureQueue(key)
	defer p.table.DropQueue(key)

	if err := p.sender.Send(wire.Cmd(ns, fn, kwargs, p.localUID, callID)); err != nil {
		return nil, errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: err.Error()})
	}

	if err := p.drainFuncType(q, wire.KindAsyncFunc); err != nil {
		return nil, err
	}

	select {
	case reply := <-q.C:
		if reply == nil {
			return nil, errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: "channel closed mid-call"})
		}
		if reply.Tag == wire.TagError {
			return nil, asRemoteErr(reply)
		}
		return reply.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallStream invokes an @asyncgen. The returned values channel is closed
// after the callee's TagStop; a mid-stream TagError is delivered once on
// errs and both channels then close (spec §4.4's asyncgen shape, always
// terminating with stop even on cancellation).
func (p *Portal) CallStream(ctx context.Context, ns, fn string, kwargs map[string]interface{}) (<-chan interface{}, <-chan error) {
	values := make(chan interface{}, calltable.QueueCapacity)
	errs := make(chan error, 1)

	callID := p.ids.Allocate()
	key := calltable.Key{PeerUID: p.peerUID, CallID: callID}
	q := p.table.EnsureQueue(key)

	go func() {
		defer close(values)
		defer close(errs)
		defer p.ids.Release(callID)
		defer p.table.DropQueue(key)

		if err := p.sender.Send(wire.Cmd(ns, fn, kwargs, p.localUID, callID)); err != nil {
			errs <- errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: err.Error()})
			return
		}
		if err := p.drainFuncType(q, wire.KindAsyncGen); err != nil {
			errs <- err
			return
		}

		for {
			select {
			case pkt := <-q.C:
				if pkt == nil {
					errs <- errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: "channel closed mid-stream"})
					return
				}
				switch pkt.Tag {
				case wire.TagYield:
					select {
					case values <- pkt.Value:
					case <-ctx.Done():
						return
					}
				case wire.TagStop:
					return
				case wire.TagError:
					errs <- asRemoteErr(pkt)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return values, errs
}

// ContextHandle is a live @context invocation: Send pushes a value into the
// callee's recv stream, Started yields the callee's published values
// (spec §9's decision that "started" doubles as a repeatable publish, not
// just a one-shot handshake), and Result resolves once with the final
// return or error.
type ContextHandle struct {
	Started <-chan interface{}
	Result  <-chan error
	CallID  uint64

	sender Sender
	peer   string
}

// Send pushes one value into the callee's bidirectional stream.
func (h *ContextHandle) Send(value interface{}) error {
	return h.sender.Send(wire.Yield(value, h.CallID))
}

// CallContext invokes an @context. recv, when non-nil, is a convenience
// channel whose values are forwarded via Send as they arrive; close it when
// done publishing. The caller may also call (*ContextHandle).Send directly.
func (p *Portal) CallContext(ctx context.Context, ns, fn string, kwargs map[string]interface{}, recv <-chan interface{}) (*ContextHandle, error) {
	callID := p.ids.Allocate()
	key := calltable.Key{PeerUID: p.peerUID, CallID: callID}
	q := p.table.EnsureQueue(key)

	if err := p.sender.Send(wire.Cmd(ns, fn, kwargs, p.localUID, callID)); err != nil {
		p.ids.Release(callID)
		p.table.DropQueue(key)
		return nil, errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: err.Error()})
	}
	if err := p.drainFuncType(q, wire.KindContext); err != nil {
		p.ids.Release(callID)
		p.table.DropQueue(key)
		return nil, err
	}

	started := make(chan interface{}, calltable.QueueCapacity)
	result := make(chan error, 1)

	handle := &ContextHandle{Started: started, Result: result, CallID: callID, sender: p.sender, peer: p.peerUID}

	go func() {
		defer close(started)
		defer close(result)
		defer p.ids.Release(callID)
		defer p.table.DropQueue(key)

		for {
			select {
			case pkt := <-q.C:
				if pkt == nil {
					result <- errkind.NewRemoteActorError(errkind.PackedError{Kind: errkind.TransportClosed, Message: "channel closed mid-context"})
					return
				}
				switch pkt.Tag {
				case wire.TagYield:
					select {
					case started <- pkt.Value:
					case <-ctx.Done():
						return
					}
				case wire.TagReturn:
					result <- nil
					return
				case wire.TagError:
					result <- asRemoteErr(pkt)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if recv != nil {
		go func() {
			for v := range recv {
				if err := handle.Send(v); err != nil {
					return
				}
			}
		}()
	}

	return handle, nil
}

// CancelRemote issues self._cancel_task against the peer, targeting callID,
// and blocks for the callee's acknowledgement (spec §4.7).
func (p *Portal) CancelRemote(ctx context.Context, callID uint64) error {
	_, err := p.CallFunc(ctx, "self", "_cancel_task", map[string]interface{}{"cid": callID})
	return err
}
