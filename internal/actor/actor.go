// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package actor implements the Actor Supervisor (spec §4.6, C6): the
// startup sequence, the three nested lifetime scopes, the peer table, and
// the idempotent cancel sequence. It generalises cider-cider/slave's
// connect-register-serve flow and go-meeko/meekod's supervisor loop into
// the single process-local runtime spec.md describes.
package actor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cider/nursery/internal/calltable"
	"github.com/cider/nursery/internal/channel"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/portal"
	"github.com/cider/nursery/internal/rtlog"
	"github.com/cider/nursery/internal/scope"
	"github.com/cider/nursery/internal/uid"
)

// unregisterDeadline bounds the shielded unregister call in the cancel
// sequence (spec §4.6: "bounded deadline, 500ms").
const unregisterDeadline = 500 * time.Millisecond

// Config describes one actor process before it starts.
type Config struct {
	Name       string
	ListenHost string
	ListenPort int

	// ArbiterAddr is the name registry's address. Empty if this actor is
	// itself the arbiter (IsArbiter) or runs detached from one.
	ArbiterAddr string
	IsArbiter   bool

	// ParentAddr, if set, is dialled at startup and its channel's message
	// loop is run for the lifetime of the root scope (spec §4.6 step "If
	// child: connect to parent"). This module never spawns OS processes —
	// only the handshake/registration path assuming some other process
	// already exists and is listening at ParentAddr.
	ParentAddr string

	// Modules are the application-exposed namespaces, keyed by name as in
	// spec §6's module allow-list. "debug" is reserved and always added by
	// New; supplying it is an error.
	Modules map[string]msgloop.Module
}

// Actor is one running actor process: a listener, a task table, a set of
// peer connections, and the three scopes of spec §4.6.
type Actor struct {
	UID  uid.UID
	Addr channel.Addr

	cfg     Config
	table   *calltable.Table
	idPool  *calltable.IDPool
	modules map[string]msgloop.Module

	listener net.Listener

	rootGroup     *scope.Group
	serviceGroup  *scope.Group
	listenerGroup *scope.Group

	peersMu sync.Mutex
	peers   map[string]*channel.Channel
	portals map[string]*portal.Portal
	peersWG sync.WaitGroup

	parentChan *channel.Channel

	arbiterChan   *channel.Channel
	arbiterPortal *portal.Portal
	registered    int32

	cancelled int32
	started   chan struct{}
}

// New validates cfg and constructs an actor. It does not open a socket or
// talk to the network — call Start for that.
func New(cfg Config) (*Actor, error) {
	if _, reserved := cfg.Modules["debug"]; reserved {
		return nil, fmt.Errorf("actor: module name %q is reserved", "debug")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("actor: Config.Name is required")
	}

	modules := make(map[string]msgloop.Module, len(cfg.Modules)+1)
	for name, mod := range cfg.Modules {
		modules[name] = mod
	}

	a := &Actor{
		UID:     uid.New(cfg.Name),
		cfg:     cfg,
		table:   calltable.New(),
		idPool:  calltable.NewIDPool(),
		peers:   make(map[string]*channel.Channel),
		portals: make(map[string]*portal.Portal),
		started: make(chan struct{}),
	}
	modules["debug"] = debugModule(a)
	a.modules = modules
	return a, nil
}

// Started is closed once Start has finished the registration handshake and
// the listener is accepting connections.
func (a *Actor) Started() <-chan struct{} { return a.started }

// Start runs the startup sequence of spec §4.6: open the nested scopes,
// bind the listener, connect to the parent (if any), and register with the
// arbiter (if any).
func (a *Actor) Start(ctx context.Context) error {
	a.rootGroup = scope.New(ctx)
	a.serviceGroup = scope.New(a.rootGroup.Context())
	a.listenerGroup = scope.New(a.rootGroup.Context())

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.ListenHost, a.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("actor: listen: %w", err)
	}
	a.listener = ln
	tcpAddr := ln.Addr().(*net.TCPAddr)
	a.Addr = channel.Addr{Host: tcpAddr.IP.String(), Port: tcpAddr.Port}

	a.listenerGroup.Go(a.acceptLoop)

	if a.cfg.ParentAddr != "" {
		pc, err := channel.Connect(ctx, a.cfg.ParentAddr, a.UID)
		if err != nil {
			return fmt.Errorf("actor: connect to parent: %w", err)
		}
		a.parentChan = pc
		a.addPeer(pc)
		a.rootGroup.Go(func(gctx context.Context) { a.runPeerLoop(gctx, pc) })
	}

	if !a.cfg.IsArbiter && a.cfg.ArbiterAddr != "" {
		if err := a.registerWithArbiter(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	close(a.started)
	return nil
}

// Run blocks until the actor is cancelled and every task has unwound.
func (a *Actor) Run() {
	a.rootGroup.Wait()
}

func (a *Actor) registerWithArbiter(ctx context.Context) error {
	ac, err := channel.Connect(ctx, a.cfg.ArbiterAddr, a.UID)
	if err != nil {
		return fmt.Errorf("actor: connect to arbiter: %w", err)
	}
	a.arbiterChan = ac
	a.addPeer(ac)
	// The arbiter channel's message loop runs in the root scope, not the
	// service scope: it must keep serving find_actor/wait_for_actor
	// replies and still be alive for the shielded unregister call late in
	// the cancel sequence, after the service scope has already wound down.
	a.rootGroup.Go(func(gctx context.Context) { a.runPeerLoop(gctx, ac) })

	a.arbiterPortal = portal.New(ac, a.table, a.idPool, ac.PeerUID.String(), a.UID.String())
	_, err = a.arbiterPortal.CallFunc(ctx, "self", "register_actor", map[string]interface{}{
		"name":        a.UID.Name,
		"instance_id": a.UID.InstanceID,
		"host":        a.Addr.Host,
		"port":        int64(a.Addr.Port),
	})
	if err != nil {
		return fmt.Errorf("actor: register_actor: %w", err)
	}
	atomic.StoreInt32(&a.registered, 1)
	return nil
}

// FindActor resolves name to an address via the arbiter, or returns
// (Addr{}, false, nil) if nothing is registered under that name yet.
func (a *Actor) FindActor(ctx context.Context, name string) (channel.Addr, bool, error) {
	if a.arbiterPortal == nil {
		return channel.Addr{}, false, fmt.Errorf("actor: no arbiter configured")
	}
	v, err := a.arbiterPortal.CallFunc(ctx, "self", "find_actor", map[string]interface{}{"name": name})
	if err != nil {
		return channel.Addr{}, false, err
	}
	return decodeAddr(v)
}

// WaitForActor blocks, server-side, until name registers (spec §6). It
// reuses CallFunc unmodified: the arbiter simply delays its reply.
func (a *Actor) WaitForActor(ctx context.Context, name string) (channel.Addr, error) {
	if a.arbiterPortal == nil {
		return channel.Addr{}, fmt.Errorf("actor: no arbiter configured")
	}
	v, err := a.arbiterPortal.CallFunc(ctx, "self", "wait_for_actor", map[string]interface{}{"name": name})
	if err != nil {
		return channel.Addr{}, err
	}
	addr, ok, err := decodeAddr(v)
	if err != nil {
		return channel.Addr{}, err
	}
	if !ok {
		return channel.Addr{}, fmt.Errorf("actor: wait_for_actor returned no address")
	}
	return addr, nil
}

func decodeAddr(v interface{}) (channel.Addr, bool, error) {
	if v == nil {
		return channel.Addr{}, false, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return channel.Addr{}, false, fmt.Errorf("actor: malformed address reply: %T", v)
	}
	host, _ := m["host"].(string)
	port, _ := toInt(m["port"])
	return channel.Addr{Host: host, Port: port}, true, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

// Connect opens (or reuses) a portal to addr, starting its message loop in
// the service scope so it is torn down along with the rest of the actor's
// outbound work on Cancel.
func (a *Actor) Connect(ctx context.Context, addr channel.Addr) (*portal.Portal, error) {
	key := addr.String()

	a.peersMu.Lock()
	if p, ok := a.portals[key]; ok {
		a.peersMu.Unlock()
		return p, nil
	}
	a.peersMu.Unlock()

	ch, err := channel.Connect(ctx, key, a.UID)
	if err != nil {
		return nil, err
	}
	a.addPeer(ch)
	p := portal.New(ch, a.table, a.idPool, ch.PeerUID.String(), a.UID.String())

	a.peersMu.Lock()
	a.portals[key] = p
	a.peersMu.Unlock()

	a.serviceGroup.Go(func(gctx context.Context) { a.runPeerLoop(gctx, ch) })
	return p, nil
}

func (a *Actor) acceptLoop(ctx context.Context) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		ch, err := channel.Accept(conn, a.UID)
		if err != nil {
			conn.Close()
			continue
		}
		a.addPeer(ch)
		a.serviceGroup.Go(func(gctx context.Context) { a.runPeerLoop(gctx, ch) })
	}
}

func (a *Actor) runPeerLoop(ctx context.Context, ch *channel.Channel) {
	defer a.removePeer(ch)

	peerUID := ch.PeerUID.String()
	p := portal.New(ch, a.table, a.idPool, peerUID, a.UID.String())
	a.peersMu.Lock()
	a.portals[peerUID] = p
	a.peersMu.Unlock()

	// ch.Recv blocks in a synchronous socket read and never itself consults
	// ctx (only the reconnect path does): without this watcher, cancelling
	// the owning scope would never unblock a loop parked on an idle peer,
	// and Cancel's serviceGroup.Wait() would hang forever (spec §4.6).
	// Closing ch here politely sends wire.TagNull and then closes the
	// socket, which unwinds the blocked Recv with a clean or reset error
	// either way loop.Run treats as "terminate".
	stopWatcher := make(chan struct{})
	defer close(stopWatcher)
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-stopWatcher:
		}
	}()

	loop := msgloop.New(ch, a.table, a.serviceGroup, a.modules, msgloop.SelfHooks{Cancel: a.Cancel}, peerUID, a.UID.String())
	loop.Run(ctx)
}

func (a *Actor) addPeer(ch *channel.Channel) {
	a.peersMu.Lock()
	a.peers[ch.PeerUID.String()] = ch
	a.peersMu.Unlock()
	a.peersWG.Add(1)
}

func (a *Actor) removePeer(ch *channel.Channel) {
	a.peersMu.Lock()
	key := ch.PeerUID.String()
	if _, ok := a.peers[key]; ok {
		delete(a.peers, key)
		delete(a.portals, key)
		a.peersMu.Unlock()
		a.peersWG.Done()
		return
	}
	a.peersMu.Unlock()
}

// Cancel runs the cancel sequence of spec §4.6. Idempotent: concurrent or
// repeated calls after the first return immediately.
func (a *Actor) Cancel() {
	if !atomic.CompareAndSwapInt32(&a.cancelled, 0, 1) {
		return
	}
	rtlog.Infof("actor[%s]: cancelling", a.UID)

	// Step 1: cancel every live invocation, shielded from the caller's own
	// context (there may be none — Cancel can be invoked locally).
	for _, inv := range a.table.Snapshot() {
		inv.Cancel()
		<-inv.Done()
	}

	// Step 2: stop accepting new connections.
	if a.listener != nil {
		a.listener.Close()
	}
	a.listenerGroup.Cancel()
	a.listenerGroup.Wait()

	// Step 3: unwind the service scope — every inbound peer loop and every
	// invocation it spawned. Each runPeerLoop watches this scope's context
	// and closes its own channel on cancellation, which is what actually
	// unblocks a loop parked in a synchronous Recv on an otherwise idle
	// peer; serviceGroup.Cancel alone would never do that.
	a.serviceGroup.Cancel()
	a.serviceGroup.Wait()

	// Step 4: shielded, bounded unregister from the arbiter.
	if atomic.LoadInt32(&a.registered) == 1 && a.arbiterPortal != nil {
		unregCtx, cancel := context.WithTimeout(context.Background(), unregisterDeadline)
		_, err := a.arbiterPortal.CallFunc(unregCtx, "self", "unregister_actor", map[string]interface{}{
			"name":        a.UID.Name,
			"instance_id": a.UID.InstanceID,
		})
		cancel()
		if err != nil {
			rtlog.Warnf("actor[%s]: unregister_actor failed: %v", a.UID, err)
		}
	}
	if a.arbiterChan != nil {
		a.arbiterChan.Close()
	}
	if a.parentChan != nil {
		a.parentChan.Close()
	}

	// Step 5: close the root scope, which also stops the arbiter/parent
	// message loops started directly in it.
	a.rootGroup.Cancel()
	a.rootGroup.Wait()

	// Step 6: every peer channel should have been torn down by its own
	// loop exiting (steps 3/5); this just confirms it.
	a.peersWG.Wait()
}

// Cancelled reports whether Cancel has run.
func (a *Actor) Cancelled() bool {
	return atomic.LoadInt32(&a.cancelled) == 1
}
