// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package calltable

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// IDPool allocates and recycles call-ids. Spec §3 only requires a call-id
// be fresh within the issuing actor, but the wire tuple (peer-uid, call-id)
// must stay globally unique for routing, and each side of a peer
// connection allocates from its own pool with no coordination. A
// recyclable-ring allocator like go-cider/cider/services/rpc/utils.go's
// idPool mints small sequential ids, so two peers calling each other at
// the same time routinely pick the same low call-id for unrelated
// invocations running in opposite directions — msgloop.route has no way
// to tell them apart. tractor avoids exactly this by minting uuid4 cids;
// IDPool does the same at machine-word width, drawing from the full
// 64-bit space with crypto/rand instead of counting up from one, so a
// same-call-id collision between directions becomes practically
// impossible instead of routine.
type IDPool struct {
	mu        sync.Mutex
	allocated map[uint64]bool
}

func NewIDPool() *IDPool {
	return &IDPool{allocated: make(map[uint64]bool)}
}

// Allocate returns a fresh, random, non-zero id not already in flight.
// Zero is skipped because the wire format reserves it to mean "no
// call-id" on channel-level errors.
func (p *IDPool) Allocate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		id := randomUint64()
		if id == 0 || p.allocated[id] {
			continue
		}
		p.allocated[id] = true
		return id
	}
}

func (p *IDPool) Release(id uint64) {
	p.mu.Lock()
	delete(p.allocated, id)
	p.mu.Unlock()
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing indicates a broken system entropy source;
		// there is no sane recovery short of refusing to mint ids.
		panic("calltable: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}
