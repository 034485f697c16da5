// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"sync"

	"github.com/ugorji/go/codec"
)

// ErrClosed is returned by ReadFrame when the peer performed a clean,
// expected close (a zero-length read or io.EOF at a frame boundary).
var ErrClosed = errors.New("wire: transport closed")

// ErrReset is returned by ReadFrame when the underlying stream broke in an
// unexpected way (partial frame, reset connection, decode failure).
var ErrReset = errors.New("wire: transport reset")

var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.RawToString = true
	// Untyped values (Kwargs entries, Value) decode maps as
	// map[string]interface{} and integers as int64, the shapes callers
	// type-assert against.
	msgpackHandle.MapType = reflect.TypeOf(map[string]interface{}(nil))
	msgpackHandle.SignedInteger = true
}

// WriteFrame encodes p as length-prefixed MessagePack and writes the length
// header and then the payload to w. It does not itself serialize concurrent
// writers; callers use a
// FIFO lock around the Channel send path (spec §4.1) for that.
func WriteFrame(w io.Writer, p *Packet) error {
	var payload bytes.Buffer
	if err := codec.NewEncoder(&payload, msgpackHandle).Encode(p); err != nil {
		return err
	}

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(payload.Len()))

	if _, err := w.Write(header[:]); err != nil {
		return ErrReset
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return ErrReset
	}
	return nil
}

// ReadFrame blocks until one full frame is available on r, or the stream
// ends. A zero-length read or io.EOF exactly at the start of a frame is
// ErrClosed (clean close, never surfaced as an RPC error per §4.1); any
// other short read or decode failure is ErrReset.
func ReadFrame(r io.Reader) (*Packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, ErrReset
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrClosed
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ErrReset
	}

	var p Packet
	if err := codec.NewDecoder(bytes.NewReader(payload), msgpackHandle).Decode(&p); err != nil {
		return nil, ErrReset
	}
	return &p, nil
}

// FrameWriter is a strict FIFO serialised sender: concurrent callers of
// Send never interleave frames on the wire (spec §4.1).
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) Send(p *Packet) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, p)
}
