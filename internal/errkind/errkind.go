// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package errkind defines the closed set of error kinds that cross the wire
// in a PackedError (spec §3, §7) and the local wrapper error that always
// carries the original kind without ever impersonating the original type.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the logical error class shipped inside a PackedError.
type Kind string

const (
	// RemoteActorError wraps any failure raised by user code in a callee.
	// The Kind field of the wrapper is set to the *original* error's kind,
	// so this constant only labels unrecognised/unstructured user errors.
	RemoteActorError Kind = "remote-actor-error"

	// ModuleNotExposed is returned when ns.fn does not resolve against the
	// callee's allow-list.
	ModuleNotExposed Kind = "module-not-exposed"

	// ArgumentError is returned when kwargs do not match the target's
	// declared parameters.
	ArgumentError Kind = "argument-error"

	// ContextCancelled marks a @context invocation cancellation, carrying
	// who originated it in the message (self vs remote caller uid).
	ContextCancelled Kind = "context-cancelled"

	// TransportClosed marks a channel reset or clean close mid-exchange.
	TransportClosed Kind = "transport-closed"

	// CompositeCancel marks an aggregate of concurrent child failures.
	CompositeCancel Kind = "composite-cancel"

	// BridgeCancelled marks a cancellation that originated in the
	// scheduler bridge (C8).
	BridgeCancelled Kind = "bridge-cancelled"

	// Unknown is substituted when a packed error arrives with no kind set;
	// the original message is preserved. Any non-empty kind is kept as is.
	Unknown Kind = "unknown"

	// AssertionError is the user-code kind raised by the seed test
	// scenarios (S1, S2, S4); it is not special-cased by the runtime,
	// just a conventional name user code happens to raise under.
	AssertionError Kind = "assertion-error"
)

// PackedError is the wire shape of §3: a tagged record with exactly these
// four fields, reconstructed at the caller as a RemoteActorError.
type PackedError struct {
	Kind      Kind   `codec:"kind"`
	Message   string `codec:"message"`
	Traceback string `codec:"traceback"`
	RemoteUID string `codec:"remote_uid"`
}

// UserError is how callee-side application code raises an error under a
// specific wire Kind (spec §8 S1: "assert False" surfaces as
// kind="assertion-error"). Plain errors that do not implement Kind() are
// shipped as RemoteActorError with the generic kind instead.
type UserError struct {
	KindName Kind
	Msg      string
}

func NewUserError(kind Kind, format string, args ...interface{}) *UserError {
	return &UserError{KindName: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *UserError) Kind() Kind    { return e.KindName }
func (e *UserError) Error() string { return e.Msg }

// RemoteActorError is the single wrapper error type raised locally for
// every failure reply. Its Kind() always equals the original error's kind;
// the original Go type is never reconstructed or impersonated.
type RemoteActorError struct {
	kind      Kind
	message   string
	traceback string
	remoteUID string
}

func NewRemoteActorError(p PackedError) *RemoteActorError {
	k := p.Kind
	if k == "" {
		k = Unknown
	}
	return &RemoteActorError{
		kind:      k,
		message:   p.Message,
		traceback: p.Traceback,
		remoteUID: p.RemoteUID,
	}
}

func (e *RemoteActorError) Kind() Kind        { return e.kind }
func (e *RemoteActorError) RemoteUID() string { return e.remoteUID }
func (e *RemoteActorError) Traceback() string { return e.traceback }

func (e *RemoteActorError) Error() string {
	return fmt.Sprintf("remote-actor-error[%s] from %s: %s", e.kind, e.remoteUID, e.message)
}

// CompositeError aggregates concurrent child failures (S2, S4, S5). It is
// always raised with Kind() == CompositeCancel, per §7.
type CompositeError struct {
	Errors []error
}

func (e *CompositeError) Kind() Kind { return CompositeCancel }

func (e *CompositeError) Error() string {
	if len(e.Errors) == 0 {
		return "composite-cancel: 0 failures"
	}
	return fmt.Sprintf("composite-cancel: %d failures (first: %v)", len(e.Errors), e.Errors[0])
}

// OnlyCancellations reports whether every member of the composite is itself
// a cancellation, in which case §7 requires treating the whole composite as
// a cancellation rather than an error.
func (e *CompositeError) OnlyCancellations() bool {
	for _, err := range e.Errors {
		if !IsCancellation(err) {
			return false
		}
	}
	return len(e.Errors) > 0
}

// IsCancellation reports whether err is (or wraps) a cancellation-flavoured
// failure: context.Canceled or context.DeadlineExceeded, a ContextCancelled
// RemoteActorError, or a CompositeError made entirely of cancellations.
func IsCancellation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch e := err.(type) {
	case *RemoteActorError:
		return e.kind == ContextCancelled
	case *CompositeError:
		return e.OnlyCancellations()
	}
	return false
}
