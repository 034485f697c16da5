// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package msgloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cider/nursery/internal/calltable"
	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/invoke"
	"github.com/cider/nursery/internal/wire"
)

type fakeReceiver struct {
	mu      sync.Mutex
	sent    []*wire.Packet
	inbound chan *wire.Packet
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{inbound: make(chan *wire.Packet, 64)}
}

func (f *fakeReceiver) Send(p *wire.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeReceiver) Recv(ctx context.Context) (*wire.Packet, error) {
	select {
	case p, ok := <-f.inbound:
		if !ok {
			return nil, nil
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeReceiver) snapshot() []*wire.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Packet, len(f.sent))
	copy(out, f.sent)
	return out
}

type inlineSpawner struct{ wg sync.WaitGroup }

func (s *inlineSpawner) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.Background())
	}()
}

func Test_Loop_ResolvesAndRunsAsyncFunc(t *testing.T) {
	recv := newFakeReceiver()
	table := calltable.New()
	spawner := &inlineSpawner{}

	modules := map[string]Module{
		"math": {
			"add": &invoke.Dispatcher{
				Kind: wire.KindAsyncFunc,
				AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
					return kwargs["a"].(int64) + kwargs["b"].(int64), nil
				},
			},
		},
	}

	loop := New(recv, table, spawner, modules, SelfHooks{}, "peer#1", "callee#1")

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	recv.inbound <- wire.Cmd("math", "add", map[string]interface{}{"a": int64(1), "b": int64(2)}, "peer#1", 10)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recv.snapshot()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := recv.snapshot()
	if len(got) != 2 || got[1].Tag != wire.TagReturn || got[1].Value.(int64) != 3 {
		t.Fatalf("unexpected packets: %+v", got)
	}

	close(recv.inbound)
	cancel()
	spawner.wg.Wait()
}

func Test_Loop_UnknownNamespaceShipsModuleNotExposed(t *testing.T) {
	recv := newFakeReceiver()
	table := calltable.New()
	spawner := &inlineSpawner{}
	loop := New(recv, table, spawner, map[string]Module{}, SelfHooks{}, "peer#1", "callee#1")

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer cancel()

	recv.inbound <- wire.Cmd("nope", "x", nil, "peer#1", 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(recv.snapshot()) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := recv.snapshot()
	if len(got) != 1 || got[0].Tag != wire.TagError || got[0].Err.Kind != errkind.ModuleNotExposed {
		t.Fatalf("unexpected packets: %+v", got)
	}
}

func Test_Loop_RoutesReplyToOutboundQueue(t *testing.T) {
	recv := newFakeReceiver()
	table := calltable.New()
	spawner := &inlineSpawner{}
	loop := New(recv, table, spawner, map[string]Module{}, SelfHooks{}, "peer#1", "callee#1")

	key := calltable.Key{PeerUID: "peer#1", CallID: 99}
	q := table.EnsureQueue(key)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	defer cancel()

	recv.inbound <- wire.Return("value", 99)

	select {
	case p := <-q.C:
		if p.Tag != wire.TagReturn {
			t.Fatalf("unexpected packet routed: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed reply")
	}
}
