// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package invoke

import (
	"context"
	"sync"
	"testing"

	"github.com/cider/nursery/internal/errkind"
	"github.com/cider/nursery/internal/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	packets []*wire.Packet
}

func (f *fakeSender) Send(p *wire.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeSender) snapshot() []*wire.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wire.Packet, len(f.packets))
	copy(out, f.packets)
	return out
}

func Test_AsyncFunc_Success(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "callee#1")

	disp := &Dispatcher{
		Kind: wire.KindAsyncFunc,
		AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
			return kwargs["x"].(int64) + 1, nil
		},
	}

	r.Run(context.Background(), disp, map[string]interface{}{"x": int64(41)}, 1, nil, nil)

	got := sender.snapshot()
	if len(got) != 2 || got[0].Tag != wire.TagFuncType || got[1].Tag != wire.TagReturn {
		t.Fatalf("unexpected packets: %+v", got)
	}
	if got[1].Value.(int64) != 42 {
		t.Fatalf("unexpected return value: %v", got[1].Value)
	}
}

// Test_AsyncFunc_UserError verifies S1: a user error kind is preserved
// across the wire unmodified.
func Test_AsyncFunc_UserError(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "callee#1")

	disp := &Dispatcher{
		Kind: wire.KindAsyncFunc,
		AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
			return nil, errkind.NewUserError(errkind.AssertionError, "assert False")
		},
	}

	r.Run(context.Background(), disp, nil, 1, nil, nil)

	got := sender.snapshot()
	if len(got) != 2 || got[1].Tag != wire.TagError {
		t.Fatalf("unexpected packets: %+v", got)
	}
	if got[1].Err.Kind != errkind.AssertionError {
		t.Fatalf("kind not preserved: %+v", got[1].Err)
	}
}

func Test_AsyncGen_EmitsInOrderThenStop(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "callee#1")

	disp := &Dispatcher{
		Kind: wire.KindAsyncGen,
		GenFunc: func(ctx context.Context, kwargs map[string]interface{}, yield func(interface{}) error) error {
			for i := 0; i < 3; i++ {
				if err := yield(i); err != nil {
					return err
				}
			}
			return nil
		},
	}

	r.Run(context.Background(), disp, nil, 9, nil, nil)

	got := sender.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected functype+3 yields+stop, got %d: %+v", len(got), got)
	}
	for i, p := range got[1:4] {
		if p.Tag != wire.TagYield || p.Value.(int) != i {
			t.Fatalf("packet %d out of order: %+v", i, p)
		}
	}
	if got[4].Tag != wire.TagStop {
		t.Fatalf("final packet should be stop, got %+v", got[4])
	}
}

func Test_AsyncGen_ClosesOnCancel(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "callee#1")

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	disp := &Dispatcher{
		Kind: wire.KindAsyncGen,
		GenFunc: func(ctx context.Context, kwargs map[string]interface{}, yield func(interface{}) error) error {
			close(started)
			for {
				if err := yield(1); err != nil {
					return err
				}
			}
		},
	}

	done := make(chan struct{})
	go func() {
		r.Run(ctx, disp, nil, 3, nil, nil)
		close(done)
	}()

	<-started
	cancel()
	<-done

	got := sender.snapshot()
	if got[len(got)-1].Tag != wire.TagStop {
		t.Fatalf("generator must always close with stop, got %+v", got[len(got)-1])
	}
}

func Test_Context_PublishesAndEchoes(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "echo#1")

	recvCh := make(chan interface{}, 4)
	recvCh <- int64(1)
	recvCh <- int64(2)
	close(recvCh)

	disp := &Dispatcher{
		Kind: wire.KindContext,
		ContextFunc: func(ctx context.Context, kwargs map[string]interface{}, started func(interface{}) error, recv <-chan interface{}) (interface{}, error) {
			started("ready")
			for v := range recv {
				started(v)
			}
			return "done", nil
		},
	}

	r.Run(context.Background(), disp, nil, 5, recvCh, nil)

	got := sender.snapshot()
	if got[0].Tag != wire.TagFuncType {
		t.Fatalf("expected functype first, got %+v", got[0])
	}
	last := got[len(got)-1]
	if last.Tag != wire.TagReturn || last.Value.(string) != "done" {
		t.Fatalf("expected final return, got %+v", last)
	}
}

func Test_Context_CancelledSurfacesContextCancelled(t *testing.T) {
	sender := &fakeSender{}
	r := New(sender, "callee#1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	disp := &Dispatcher{
		Kind: wire.KindContext,
		ContextFunc: func(ctx context.Context, kwargs map[string]interface{}, started func(interface{}) error, recv <-chan interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	r.Run(ctx, disp, nil, 8, nil, func() string { return "caller#2" })

	got := sender.snapshot()
	last := got[len(got)-1]
	if last.Tag != wire.TagError || last.Err.Kind != errkind.ContextCancelled {
		t.Fatalf("expected context-cancelled, got %+v", last)
	}
	if last.Err.Message == "" {
		t.Fatalf("expected a reason in the message")
	}
}
