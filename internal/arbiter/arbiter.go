// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package arbiter implements the Name Registry (spec §4.8, C7): a
// name→addr map plus a wait_for_actor waiter table, exposed to the rest of
// the system as the "self" module of an actor configured as the arbiter.
// The map holds one entry per actor name: a later register_actor under the
// same name replaces the earlier entry, whatever its instance id, and
// unregister_actor removes an entry only when the instance id matches. The
// in-memory registry is original code; change notifications can optionally
// be fanned out over a ZeroMQ PUB socket.
package arbiter

import (
	"context"
	"fmt"
	"sync"

	zmq "github.com/pebbe/zmq3"

	"github.com/cider/nursery/internal/invoke"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/rtlog"
	"github.com/cider/nursery/internal/wire"
)

// Entry is one registered actor's reachable address.
type Entry struct {
	Name       string
	InstanceID string
	Host       string
	Port       int
}

// Registry is the arbiter's state: who is registered, and who is waiting
// to hear about a name that is not registered yet.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]Entry
	waiters map[string][]chan Entry

	pub *zmq.Socket
}

// New creates a Registry with no external fan-out.
func New() *Registry {
	return &Registry{
		byName:  make(map[string]Entry),
		waiters: make(map[string][]chan Entry),
	}
}

// NewWithPub creates a Registry that also PUBlishes "register <name>
// <host> <port>" / "unregister <name>" lines on pubAddr, so out-of-process
// observers (dashboards, the cider-cider build's own monitoring hooks) can
// watch registry changes without polling find_actor.
func NewWithPub(pubAddr string) (*Registry, error) {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("arbiter: zmq.NewSocket: %w", err)
	}
	if err := sock.Bind(pubAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("arbiter: zmq bind %s: %w", pubAddr, err)
	}
	r := New()
	r.pub = sock
	return r, nil
}

// Close releases the PUB socket, if any.
func (r *Registry) Close() error {
	if r.pub != nil {
		return r.pub.Close()
	}
	return nil
}

func (r *Registry) publish(line string) {
	if r.pub == nil {
		return
	}
	if _, err := r.pub.Send(line, 0); err != nil {
		rtlog.Warnf("arbiter: zmq publish failed: %v", err)
	}
}

func (r *Registry) register(e Entry) {
	r.mu.Lock()
	r.byName[e.Name] = e
	waiting := r.waiters[e.Name]
	delete(r.waiters, e.Name)
	r.mu.Unlock()

	for _, ch := range waiting {
		ch <- e
		close(ch)
	}
	r.publish(fmt.Sprintf("register %s %s %d", e.Name, e.Host, e.Port))
}

func (r *Registry) unregister(name, instanceID string) {
	r.mu.Lock()
	if e, ok := r.byName[name]; ok && e.InstanceID == instanceID {
		delete(r.byName, name)
	}
	r.mu.Unlock()
	r.publish(fmt.Sprintf("unregister %s", name))
}

func (r *Registry) find(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	return e, ok
}

// waitFor blocks until name registers or ctx is cancelled (spec §6: the
// arbiter "wakes any waiter blocked on that name" on registration).
func (r *Registry) waitFor(ctx context.Context, name string) (Entry, error) {
	r.mu.Lock()
	if e, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return e, nil
	}
	ch := make(chan Entry, 1)
	r.waiters[name] = append(r.waiters[name], ch)
	r.mu.Unlock()

	select {
	case e := <-ch:
		return e, nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (r *Registry) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}

func entryToWire(e Entry) map[string]interface{} {
	return map[string]interface{}{"host": e.Host, "port": int64(e.Port)}
}

func kwString(kwargs map[string]interface{}, key string) string {
	s, _ := kwargs[key].(string)
	return s
}

func kwInt(kwargs map[string]interface{}, key string) int {
	switch n := kwargs[key].(type) {
	case int64:
		return int(n)
	case int:
		return n
	case uint64:
		return int(n)
	default:
		return 0
	}
}

// Module builds the "self" namespace a Registry-backed arbiter actor
// exposes over the wire (spec §6's register_actor / unregister_actor /
// find_actor / wait_for_actor / get_registry verbs).
func Module(r *Registry) msgloop.Module {
	return msgloop.Module{
		"register_actor": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				r.register(Entry{
					Name:       kwString(kwargs, "name"),
					InstanceID: kwString(kwargs, "instance_id"),
					Host:       kwString(kwargs, "host"),
					Port:       kwInt(kwargs, "port"),
				})
				return nil, nil
			},
		},
		"unregister_actor": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				r.unregister(kwString(kwargs, "name"), kwString(kwargs, "instance_id"))
				return nil, nil
			},
		},
		"find_actor": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				e, ok := r.find(kwString(kwargs, "name"))
				if !ok {
					return nil, nil
				}
				return entryToWire(e), nil
			},
		},
		"wait_for_actor": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				e, err := r.waitFor(ctx, kwString(kwargs, "name"))
				if err != nil {
					return nil, err
				}
				return entryToWire(e), nil
			},
		},
		"get_registry": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				entries := r.snapshot()
				out := make([]map[string]interface{}, 0, len(entries))
				for _, e := range entries {
					out = append(out, map[string]interface{}{
						"name": e.Name, "host": e.Host, "port": int64(e.Port),
					})
				}
				return out, nil
			},
		},
	}
}
