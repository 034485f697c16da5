// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package bridge implements the optional Scheduler Bridge (spec §4.9, C8):
// a LinkedTaskChannel-shaped contract (send/receive/close/wait-complete)
// that lets an @context invocation hand its bidirectional stream to code
// running under a foreign in-process scheduler, translating cancellation
// both ways. It generalises go-meeko's inproc/rpc.Transport — a single
// command loop fanning values out over directional channels with one
// closedCh latch — from an RPC client adapter to a plain bidirectional
// pipe with no registration step.
package bridge

import (
	"context"
	"sync"

	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/invoke"
)

// queueCapacity bounds each direction of the bridge the same way the task
// table bounds reply queues (spec §5 backpressure).
const queueCapacity = 64

// LinkedChannel is one bridged pipe between this runtime and a foreign
// scheduler. Values written with Send are delivered to the foreign side via
// ForeignReceive; values the foreign side produces reach us via
// ForeignSend/Receive. Either side can close it; when the close carries a
// non-nil cause, Kind() on the resulting error reports
// errkind.BridgeCancelled regardless of which side initiated the close. A
// close with a nil cause is a clean finish and yields a nil error.
type LinkedChannel struct {
	toForeign   chan interface{}
	fromForeign chan interface{}

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	closeErr error

	onClose func(error) // invoked once, when this side initiates the close
}

// NewLinkedChannel creates a bridge. onClose, if non-nil, is called exactly
// once when CloseLocal is the side that ends the exchange, so the caller
// can propagate the cancellation into the foreign scheduler (e.g. calling
// its own context.CancelFunc).
func NewLinkedChannel(onClose func(error)) *LinkedChannel {
	return &LinkedChannel{
		toForeign:   make(chan interface{}, queueCapacity),
		fromForeign: make(chan interface{}, queueCapacity),
		closedCh:    make(chan struct{}),
		onClose:     onClose,
	}
}

// Send pushes v toward the foreign scheduler.
func (lc *LinkedChannel) Send(ctx context.Context, v interface{}) error {
	select {
	case lc.toForeign <- v:
		return nil
	case <-lc.closedCh:
		return lc.bridgeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks for the next value the foreign scheduler produced.
func (lc *LinkedChannel) Receive(ctx context.Context) (interface{}, error) {
	select {
	case v, ok := <-lc.fromForeign:
		if !ok {
			return nil, lc.bridgeErr()
		}
		return v, nil
	case <-lc.closedCh:
		return nil, lc.bridgeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ForeignReceive is the foreign scheduler's adapter pulling values we sent.
func (lc *LinkedChannel) ForeignReceive() <-chan interface{} {
	return lc.toForeign
}

// ForeignSend is the foreign scheduler's adapter pushing a value to us.
func (lc *LinkedChannel) ForeignSend(v interface{}) bool {
	select {
	case lc.fromForeign <- v:
		return true
	case <-lc.closedCh:
		return false
	}
}

// CloseLocal ends the exchange from our side (cause may be nil for a clean
// finish). It invokes onClose so the foreign scheduler's own cancellation
// hook fires, then unblocks every pending Send/Receive/WaitComplete with a
// BridgeCancelled error.
func (lc *LinkedChannel) CloseLocal(cause error) {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	lc.closed = true
	lc.closeErr = cause
	lc.mu.Unlock()

	if lc.onClose != nil {
		lc.onClose(cause)
	}
	close(lc.closedCh)
}

// CloseForeign ends the exchange from the foreign scheduler's side; no
// onClose hook fires since the foreign side already knows it's closing.
func (lc *LinkedChannel) CloseForeign(cause error) {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return
	}
	lc.closed = true
	lc.closeErr = cause
	close(lc.closedCh)
	lc.mu.Unlock()
}

// WaitComplete blocks until the bridge has closed, from either side.
func (lc *LinkedChannel) WaitComplete(ctx context.Context) error {
	select {
	case <-lc.closedCh:
		return lc.bridgeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lc *LinkedChannel) bridgeErr() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.closeErr == nil {
		return nil
	}
	return errkind.NewUserError(errkind.BridgeCancelled, "bridge closed: %v", lc.closeErr)
}

// AsContextFunc adapts a LinkedChannel into an invoke.ContextFunc, so a
// module can expose a bridged foreign-scheduler call as an ordinary
// @context invocation: values coming in over recv are forwarded to the
// foreign side via Send, and everything ForeignSend produces is relayed
// out via started, until the bridge closes.
func (lc *LinkedChannel) AsContextFunc() invoke.ContextFunc {
	return func(ctx context.Context, kwargs map[string]interface{}, started func(interface{}) error, recv <-chan interface{}) (interface{}, error) {
		defer lc.CloseLocal(ctx.Err())

		relayDone := make(chan struct{})
		go func() {
			defer close(relayDone)
			for {
				select {
				case v, ok := <-lc.fromForeign:
					if !ok {
						return
					}
					if err := started(v); err != nil {
						return
					}
				case <-lc.closedCh:
					return
				}
			}
		}()

		for {
			select {
			case v, ok := <-recv:
				if !ok {
					<-relayDone
					return nil, lc.bridgeErr()
				}
				if err := lc.Send(ctx, v); err != nil {
					lc.CloseLocal(err)
					<-relayDone
					return nil, err
				}
			case <-lc.closedCh:
				<-relayDone
				return nil, lc.bridgeErr()
			case <-ctx.Done():
				lc.CloseLocal(ctx.Err())
				<-relayDone
				return nil, ctx.Err()
			}
		}
	}
}
