// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package actor

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cider/nursery/internal/arbiter"
	"github.com/cider/nursery/internal/invoke"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/wire"
)

func startArbiter(t *testing.T) (*Actor, *arbiter.Registry) {
	t.Helper()
	reg := arbiter.New()
	a, err := New(Config{
		Name:       "arbiter",
		ListenHost: "127.0.0.1",
		IsArbiter:  true,
		Modules:    map[string]msgloop.Module{"self": arbiter.Module(reg)},
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a, reg
}

func Test_Actor_RegistersWithArbiterAndServesCalls(t *testing.T) {
	ar, _ := startArbiter(t)
	defer ar.Cancel()

	worker, err := New(Config{
		Name:        "worker",
		ListenHost:  "127.0.0.1",
		ArbiterAddr: ar.Addr.String(),
		Modules: map[string]msgloop.Module{
			"math": {
				"add": &invoke.Dispatcher{
					Kind: wire.KindAsyncFunc,
					AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
						return kwargs["a"].(int64) + kwargs["b"].(int64), nil
					},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Cancel()

	client, err := New(Config{Name: "client", ListenHost: "127.0.0.1", ArbiterAddr: ar.Addr.String()})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer client.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, found, err := client.FindActor(ctx, "worker")
	require.NoError(t, err)
	require.True(t, found)

	p, err := client.Connect(ctx, addr)
	require.NoError(t, err)

	result, err := p.CallFunc(ctx, "math", "add", map[string]interface{}{"a": int64(1), "b": int64(2)})
	require.NoError(t, err)
	require.Equal(t, int64(3), result)
}

func Test_Actor_WaitForActorUnblocksOnRegistration(t *testing.T) {
	ar, _ := startArbiter(t)
	defer ar.Cancel()

	client, err := New(Config{Name: "waiter", ListenHost: "127.0.0.1", ArbiterAddr: ar.Addr.String()})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer client.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := client.WaitForActor(ctx, "late-worker")
		resultCh <- err
	}()

	time.Sleep(100 * time.Millisecond)

	late, err := New(Config{Name: "late-worker", ListenHost: "127.0.0.1", ArbiterAddr: ar.Addr.String()})
	require.NoError(t, err)
	require.NoError(t, late.Start(context.Background()))
	defer late.Cancel()

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait_for_actor never unblocked")
	}
}

func Test_Actor_CancelIsIdempotent(t *testing.T) {
	ar, _ := startArbiter(t)

	ar.Cancel()
	ar.Cancel() // must not block or panic

	require.True(t, ar.Cancelled())
}

func Test_Actor_DebugTreeReportsLiveInvocation(t *testing.T) {
	ar, _ := startArbiter(t)
	defer ar.Cancel()

	blocking := make(chan struct{})
	worker, err := New(Config{
		Name:        "slow",
		ListenHost:  "127.0.0.1",
		ArbiterAddr: ar.Addr.String(),
		Modules: map[string]msgloop.Module{
			"work": {
				"block": &invoke.Dispatcher{
					Kind: wire.KindAsyncFunc,
					AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
						<-blocking
						return nil, nil
					},
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, worker.Start(context.Background()))
	defer worker.Cancel()
	defer close(blocking)

	client, err := New(Config{Name: "client2", ListenHost: "127.0.0.1", ArbiterAddr: ar.Addr.String()})
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	defer client.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, _, err := client.FindActor(ctx, "slow")
	require.NoError(t, err)
	p, err := client.Connect(ctx, addr)
	require.NoError(t, err)

	go p.CallFunc(ctx, "work", "block", nil)

	require.Eventually(t, func() bool {
		tree, err := p.CallFunc(ctx, "debug", "tree", nil)
		if err != nil || tree == nil {
			return false
		}
		v := reflect.ValueOf(tree)
		return v.Kind() == reflect.Slice && v.Len() > 0
	}, 2*time.Second, 20*time.Millisecond)
}
