// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package invoke implements the Invocation Runner (spec §4.4, C4): it
// classifies the callee-side target into one of the three wire shapes
// (asyncfunc / asyncgen / context), per Design Note §9's "tagged variant
// over reflection", and drives the send side of one invocation's reply
// packets. It generalises go-meeko/meeko/services/rpc's executor dispatch
// (one goroutine per RequestHandler) to asyncgen streaming and bidirectional
// context calls.
package invoke

import (
	"context"
	"errors"
	"fmt"

	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/wire"
)

// Sender is the minimal channel.Channel surface the runner needs, kept as
// an interface so tests can exercise it without a socket.
type Sender interface {
	Send(*wire.Packet) error
}

// AsyncFunc is a plain single-value target: run body, send one return.
type AsyncFunc func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error)

// GenFunc is an async-generator target: drive yield for each produced
// value, always close deterministically, then stop.
type GenFunc func(ctx context.Context, kwargs map[string]interface{}, yield func(interface{}) error) error

// ContextFunc is a bi-directional context target. started publishes a
// value to the caller (the first call is the initial delivery that
// unblocks the caller's CallContext); subsequent calls keep publishing
// for the lifetime of the bidi exchange.
// recv delivers values the caller streamed into this same call-id.
type ContextFunc func(ctx context.Context, kwargs map[string]interface{}, started func(interface{}) error, recv <-chan interface{}) (interface{}, error)

// Dispatcher is a pre-registered, typed target (Design Note §9: "require
// every exposed function to be pre-registered ... into a name → typed-
// dispatcher map"). Exactly one of the three function fields is set,
// matching Kind.
type Dispatcher struct {
	Kind        wire.FuncKind
	AsyncFunc   AsyncFunc
	GenFunc     GenFunc
	ContextFunc ContextFunc
	// Validate, if set, checks kwargs before the body runs. A non-nil
	// error is shipped as errkind.ArgumentError without running the body.
	Validate func(kwargs map[string]interface{}) error
}

var (
	ErrNotCallable = errors.New("invoke: target is not an async callable")
)

// Runner executes one invocation and ships its reply packets over sender.
type Runner struct {
	Sender    Sender
	CalleeUID string
}

func New(sender Sender, calleeUID string) *Runner {
	return &Runner{Sender: sender, CalleeUID: calleeUID}
}

// Run dispatches on disp.Kind. ctx is the invocation's cancel scope; recv,
// used only by context calls, carries values the caller streams into this
// call-id (fed by the message loop routing non-cmd packets for this key).
// originator reports who cancelled ctx, if anyone, for ContextCancelled.
func (r *Runner) Run(ctx context.Context, disp *Dispatcher, kwargs map[string]interface{}, callID uint64, recv <-chan interface{}, originator func() string) {
	if disp.Validate != nil {
		if err := disp.Validate(kwargs); err != nil {
			r.shipError(callID, errkind.ArgumentError, err.Error())
			return
		}
	}

	switch disp.Kind {
	case wire.KindAsyncFunc:
		r.runAsyncFunc(ctx, disp.AsyncFunc, kwargs, callID)
	case wire.KindAsyncGen:
		r.runAsyncGen(ctx, disp.GenFunc, kwargs, callID)
	case wire.KindContext:
		r.runContext(ctx, disp.ContextFunc, kwargs, callID, recv, originator)
	default:
		r.shipError(callID, errkind.RemoteActorError, ErrNotCallable.Error())
	}
}

func (r *Runner) runAsyncFunc(ctx context.Context, fn AsyncFunc, kwargs map[string]interface{}, callID uint64) {
	if fn == nil {
		r.shipError(callID, errkind.RemoteActorError, ErrNotCallable.Error())
		return
	}

	if err := r.Sender.Send(wire.FuncType(wire.KindAsyncFunc, callID)); err != nil {
		return
	}

	value, err := fn(ctx, kwargs)
	if err != nil {
		if errkind.IsCancellation(err) {
			return
		}
		r.shipError(callID, classify(err), err.Error())
		return
	}

	r.Sender.Send(wire.Return(value, callID))
}

func (r *Runner) runAsyncGen(ctx context.Context, fn GenFunc, kwargs map[string]interface{}, callID uint64) {
	if fn == nil {
		r.shipError(callID, errkind.RemoteActorError, ErrNotCallable.Error())
		return
	}

	if err := r.Sender.Send(wire.FuncType(wire.KindAsyncGen, callID)); err != nil {
		return
	}

	// The generator must be closed deterministically on cancellation: we
	// always run yield's send under the loop below, and always reach the
	// final "stop" send on the way out, cancelled or not, so a pending
	// cancellation never bypasses the close (spec §4.4).
	defer r.Sender.Send(wire.Stop(callID))

	yield := func(value interface{}) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := r.Sender.Send(wire.Yield(value, callID)); err != nil {
			return err
		}
		return nil
	}

	if err := fn(ctx, kwargs, yield); err != nil {
		if errkind.IsCancellation(err) {
			return
		}
		r.shipError(callID, classify(err), err.Error())
	}
}

func (r *Runner) runContext(ctx context.Context, fn ContextFunc, kwargs map[string]interface{}, callID uint64, recv <-chan interface{}, originator func() string) {
	if fn == nil {
		r.shipError(callID, errkind.RemoteActorError, ErrNotCallable.Error())
		return
	}

	if err := r.Sender.Send(wire.FuncType(wire.KindContext, callID)); err != nil {
		return
	}

	started := func(value interface{}) error {
		return r.Sender.Send(wire.Yield(value, callID))
	}

	final, err := fn(ctx, kwargs, started, recv)
	if err != nil {
		if ctx.Err() != nil {
			reason := "self-cancelled"
			if originator != nil {
				if who := originator(); who != "" {
					reason = fmt.Sprintf("remotely cancelled by %s", who)
				}
			}
			r.shipError(callID, errkind.ContextCancelled, reason)
			return
		}
		r.shipError(callID, classify(err), err.Error())
		return
	}

	r.Sender.Send(wire.Return(final, callID))
}

func (r *Runner) shipError(callID uint64, kind errkind.Kind, message string) {
	// Shipping failure (channel closed) is not itself escalated: the
	// caller is already gone, so there is nothing to notify (spec §4.4).
	r.Sender.Send(wire.Error(errkind.PackedError{
		Kind:      kind,
		Message:   message,
		RemoteUID: r.CalleeUID,
	}, callID))
}

// classify maps a user error to its wire kind. Errors that already carry a
// Kind() (e.g. propagated RemoteActorError / CompositeError from a nested
// call) keep it; anything else is the generic wrapper kind. The error's Go
// type is not recorded; only err.Error() is shipped as the message.
func classify(err error) errkind.Kind {
	type kinder interface{ Kind() errkind.Kind }
	if k, ok := err.(kinder); ok {
		return k.Kind()
	}
	return errkind.RemoteActorError
}
