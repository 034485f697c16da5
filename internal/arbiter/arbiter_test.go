// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Registry_RegisterFindUnregister(t *testing.T) {
	r := New()

	_, ok := r.find("worker")
	require.False(t, ok)

	r.register(Entry{Name: "worker", InstanceID: "i1", Host: "127.0.0.1", Port: 9000})
	e, ok := r.find("worker")
	require.True(t, ok)
	require.Equal(t, 9000, e.Port)

	r.unregister("worker", "i1")
	_, ok = r.find("worker")
	require.False(t, ok)
}

func Test_Registry_UnregisterIgnoresMismatchedInstance(t *testing.T) {
	r := New()
	r.register(Entry{Name: "worker", InstanceID: "i1", Host: "h", Port: 1})

	r.unregister("worker", "wrong-instance")
	_, ok := r.find("worker")
	require.True(t, ok, "unregister with the wrong instance id must be a no-op")
}

func Test_Registry_WaitForActor_UnblocksOnRegister(t *testing.T) {
	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan Entry, 1)
	errCh := make(chan error, 1)
	go func() {
		e, err := r.waitFor(ctx, "late")
		done <- e
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	r.register(Entry{Name: "late", InstanceID: "i1", Host: "h", Port: 2})

	select {
	case e := <-done:
		require.NoError(t, <-errCh)
		require.Equal(t, "late", e.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("waitFor never unblocked")
	}
}

func Test_Registry_WaitForActor_RespectsContextCancellation(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.waitFor(ctx, "nobody")
	require.ErrorIs(t, err, context.Canceled)
}

func Test_Module_RegisterThenFindRoundTrip(t *testing.T) {
	r := New()
	mod := Module(r)

	_, err := mod["register_actor"].AsyncFunc(context.Background(), map[string]interface{}{
		"name": "svc", "instance_id": "i1", "host": "10.0.0.1", "port": int64(4242),
	})
	require.NoError(t, err)

	v, err := mod["find_actor"].AsyncFunc(context.Background(), map[string]interface{}{"name": "svc"})
	require.NoError(t, err)
	addr, ok := v.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", addr["host"])
	require.Equal(t, int64(4242), addr["port"])
}

func Test_Module_FindActor_ReturnsNilForUnknownName(t *testing.T) {
	r := New()
	mod := Module(r)

	v, err := mod["find_actor"].AsyncFunc(context.Background(), map[string]interface{}{"name": "ghost"})
	require.NoError(t, err)
	require.Nil(t, v)
}

func Test_Module_GetRegistry_ListsEveryEntry(t *testing.T) {
	r := New()
	mod := Module(r)
	ctx := context.Background()

	mod["register_actor"].AsyncFunc(ctx, map[string]interface{}{"name": "a", "instance_id": "1", "host": "h", "port": int64(1)})
	mod["register_actor"].AsyncFunc(ctx, map[string]interface{}{"name": "b", "instance_id": "1", "host": "h", "port": int64(2)})

	v, err := mod["get_registry"].AsyncFunc(ctx, nil)
	require.NoError(t, err)
	entries, ok := v.([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, entries, 2)
}
