// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package wire implements the frame codec (spec §3, §4.1): a tagged packet
// record, MessagePack-encoded the way go-meeko/meeko/utils/codecs encodes
// RPC replies, and framed with a little-endian u32 length prefix.
package wire

import "github.com/cider/nursery/internal/errkind"

// Tag identifies which of the closed set of wire shapes a Packet carries.
type Tag uint8

const (
	TagCmd Tag = iota
	TagFuncType
	TagYield
	TagStop
	TagReturn
	TagError
	TagNull
)

func (t Tag) String() string {
	switch t {
	case TagCmd:
		return "cmd"
	case TagFuncType:
		return "functype"
	case TagYield:
		return "yield"
	case TagStop:
		return "stop"
	case TagReturn:
		return "return"
	case TagError:
		return "error"
	case TagNull:
		return "null"
	default:
		return "unknown"
	}
}

// FuncKind announces the reply shape acknowledged by a functype packet.
type FuncKind uint8

const (
	KindAsyncFunc FuncKind = iota
	KindAsyncGen
	KindContext
)

// Packet is the wire record of spec §3. Exactly one "shape" of fields is
// meaningful per Tag; the rest are zero. CallID of zero means "no call-id"
// (used only by TagError to signal a channel-level, not call-level, error).
type Packet struct {
	Tag Tag `codec:"tag"`

	// TagCmd
	Namespace string                 `codec:"ns,omitempty"`
	Function  string                 `codec:"fn,omitempty"`
	Kwargs    map[string]interface{} `codec:"kwargs,omitempty"`
	CallerUID string                 `codec:"caller_uid,omitempty"`

	// TagFuncType
	FuncKind FuncKind `codec:"func_kind,omitempty"`

	// TagYield / TagReturn
	Value interface{} `codec:"value,omitempty"`

	// TagError
	Err *errkind.PackedError `codec:"err,omitempty"`

	// Present on TagCmd, TagFuncType, TagYield, TagStop, TagReturn, and
	// TagError when the error is call-scoped (not channel-scoped).
	CallID uint64 `codec:"call_id,omitempty"`
}

func Cmd(ns, fn string, kwargs map[string]interface{}, callerUID string, callID uint64) *Packet {
	return &Packet{Tag: TagCmd, Namespace: ns, Function: fn, Kwargs: kwargs, CallerUID: callerUID, CallID: callID}
}

func FuncType(kind FuncKind, callID uint64) *Packet {
	return &Packet{Tag: TagFuncType, FuncKind: kind, CallID: callID}
}

func Yield(value interface{}, callID uint64) *Packet {
	return &Packet{Tag: TagYield, Value: value, CallID: callID}
}

func Stop(callID uint64) *Packet {
	return &Packet{Tag: TagStop, CallID: callID}
}

func Return(value interface{}, callID uint64) *Packet {
	return &Packet{Tag: TagReturn, Value: value, CallID: callID}
}

func Error(packed errkind.PackedError, callID uint64) *Packet {
	return &Packet{Tag: TagError, Err: &packed, CallID: callID}
}

func Null() *Packet {
	return &Packet{Tag: TagNull}
}
