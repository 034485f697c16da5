// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package channel implements the ordered bidirectional message pipe of
// spec §4.2 (C2): one socket wrapped in the wire codec, a handshake, and an
// optional bounded-backoff reconnect. It generalises the transport contract
// of go-meeko/meeko/services/rpc.Transport (RequestChan/ReplyChan/etc. as
// separate channels) down to a single ordered Recv() stream, since spec §5
// requires strict per-channel FIFO rather than per-kind fan-out.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cider/nursery/internal/rtlog"
	"github.com/cider/nursery/internal/uid"
	"github.com/cider/nursery/internal/wire"
)

var (
	// ErrConnectFailed is returned by Connect when the dial itself fails.
	ErrConnectFailed = errors.New("channel: connect failed")
	// ErrTransportClosed is returned by Send after the channel has been
	// closed, locally or by the peer.
	ErrTransportClosed = errors.New("channel: transport closed")
	// ErrBadHandshake is returned when the peer's first frame is not a
	// well-formed (name, instance-id) pair.
	ErrBadHandshake = errors.New("channel: bad handshake")
)

// Addr is a listener address (spec §3).
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// ReconnectHook is invoked after a reconnect succeeds, before Recv resumes
// delivering packets, so the caller can re-announce state lost by the break.
type ReconnectHook func(ctx context.Context) error

// Channel is one peer connection: codec plus handshake plus optional
// auto-reconnect.
type Channel struct {
	conn      net.Conn
	fw        *wire.FrameWriter
	PeerUID   uid.UID
	localUID  uid.UID
	addr      string // dial address, only set when this side dialled
	reconnect ReconnectHook

	closed    chan struct{}
	closeOnce sync.Once
}

// Connect dials addr, wraps the connection in the codec, and performs the
// uid handshake (spec §4.2, §6): each side sends its own uid first, then
// reads the peer's. A malformed reply is fatal — the channel is discarded
// without ever being registered.
func Connect(ctx context.Context, addr string, local uid.UID) (*Channel, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ErrConnectFailed
	}

	ch := &Channel{
		conn:     conn,
		fw:       wire.NewFrameWriter(conn),
		localUID: local,
		addr:     addr,
		closed:   make(chan struct{}),
	}

	if err := ch.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// Accept wraps an already-accepted net.Conn (from the actor's listener) and
// performs the same handshake from the server side.
func Accept(conn net.Conn, local uid.UID) (*Channel, error) {
	ch := &Channel{
		conn:     conn,
		fw:       wire.NewFrameWriter(conn),
		localUID: local,
		closed:   make(chan struct{}),
	}
	if err := ch.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) handshake() error {
	if err := ch.fw.Send(wire.Cmd("self", "__handshake__", map[string]interface{}{
		"name":        ch.localUID.Name,
		"instance_id": ch.localUID.InstanceID,
	}, "", 0)); err != nil {
		return ErrBadHandshake
	}

	p, err := wire.ReadFrame(ch.conn)
	if err != nil || p.Tag != wire.TagCmd || p.Kwargs == nil {
		return ErrBadHandshake
	}

	name, ok1 := p.Kwargs["name"].(string)
	iid, ok2 := p.Kwargs["instance_id"].(string)
	if !ok1 || !ok2 || name == "" || iid == "" {
		return ErrBadHandshake
	}

	ch.PeerUID = uid.UID{Name: name, InstanceID: iid}
	return nil
}

// EnableAutoReconnect turns on the bounded-backoff reconnect policy:
// fixed 1s poll, 3s per-attempt timeout, retried until success.
// Reconnection never replays in-flight calls, and nothing fails them
// either: a call still waiting on a reply sent over the old connection
// receives neither that reply nor ErrTransportClosed.
func (ch *Channel) EnableAutoReconnect(hook ReconnectHook) {
	ch.reconnect = hook
}

// Send writes one frame. It is safe for concurrent use; the underlying
// FrameWriter enforces FIFO ordering (spec §4.1).
func (ch *Channel) Send(p *wire.Packet) error {
	if err := ch.fw.Send(p); err != nil {
		return ErrTransportClosed
	}
	return nil
}

// Recv reads the next packet. It returns (nil, nil) exactly once, to signal
// a clean peer-initiated or self-initiated close (equivalent to receiving
// wire.TagNull or the transport closing cleanly); callers should stop
// iterating at that point. A non-nil error means the transport broke and,
// if auto-reconnect is configured, has already been retried until success
// or ctx was cancelled.
func (ch *Channel) Recv(ctx context.Context) (*wire.Packet, error) {
	p, err := wire.ReadFrame(ch.conn)
	switch {
	case err == nil:
		if p.Tag == wire.TagNull {
			return nil, nil
		}
		return p, nil
	case errors.Is(err, wire.ErrClosed):
		return nil, nil
	default:
		if ch.reconnect == nil {
			return nil, ErrTransportClosed
		}
		if rerr := ch.reconnectLoop(ctx); rerr != nil {
			return nil, rerr
		}
		return ch.Recv(ctx)
	}
}

// reconnectLoop retries Connect against ch.addr with a fixed 1s interval
// and a 3s per-attempt timeout, until success or ctx is done. It never
// reorders frames. Reply queues bound to the old connection are left
// untouched, by this function and by Recv, its only caller.
func (ch *Channel) reconnectLoop(ctx context.Context) error {
	if ch.addr == "" {
		// Server-accepted channels have nothing to dial back into.
		return ErrTransportClosed
	}

	policy := backoff.WithContext(&backoff.ConstantBackOff{Interval: time.Second}, ctx)

	var newConn net.Conn
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		dialer := net.Dialer{}
		conn, err := dialer.DialContext(attemptCtx, "tcp", ch.addr)
		if err != nil {
			rtlog.Debugf("channel: reconnect attempt to %s failed: %v", ch.addr, err)
			return err
		}
		newConn = conn
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return ErrTransportClosed
	}

	ch.conn.Close()
	ch.conn = newConn
	ch.fw = wire.NewFrameWriter(newConn)
	if err := ch.handshake(); err != nil {
		return err
	}

	if ch.reconnect != nil {
		return ch.reconnect(ctx)
	}
	return nil
}

// Close half-closes politely: send wire.TagNull, then close the socket.
// Safe to call concurrently and more than once — the watcher goroutine in
// actor.runPeerLoop and an explicit shutdown path (e.g. Actor.Cancel
// closing the arbiter/parent channel directly) can both race to close the
// same Channel.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.Send(wire.Null())
		close(ch.closed)
		err = ch.conn.Close()
	})
	return err
}

// Closed returns a channel closed once Close has run.
func (ch *Channel) Closed() <-chan struct{} {
	return ch.closed
}
