// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cider/nursery/internal/uid"
	"github.com/cider/nursery/internal/wire"
)

func pair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan *Channel, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		ch, err := Accept(conn, uid.New("server"))
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- ch
	}()

	clientCh, err := Connect(context.Background(), ln.Addr().String(), uid.New("client"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case ch := <-serverCh:
		return clientCh, ch
	case err := <-serverErr:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
	return nil, nil
}

func Test_Handshake_ExchangesUIDs(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	if client.PeerUID.Name != "server" {
		t.Fatalf("client did not learn server uid: %+v", client.PeerUID)
	}
	if server.PeerUID.Name != "client" {
		t.Fatalf("server did not learn client uid: %+v", server.PeerUID)
	}
}

func Test_SendRecv_RoundTrip(t *testing.T) {
	client, server := pair(t)
	defer client.Close()
	defer server.Close()

	if err := client.Send(wire.Return("hello", 7)); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if p == nil || p.Tag != wire.TagReturn || p.CallID != 7 {
		t.Fatalf("unexpected packet: %+v", p)
	}
}

func Test_Close_IsCleanNotError(t *testing.T) {
	client, server := pair(t)
	defer server.Close()

	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("expected clean close, got error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil packet on clean close, got %+v", p)
	}
}
