// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package actor

import (
	"context"

	"github.com/cider/nursery/internal/invoke"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/wire"
)

// debugModule implements the always-registered "debug" namespace (see
// SPEC_FULL.md §9's supplemented feature, grounded on
// original_source/tractor/_actor.py's automatic registration of its
// internal debug module). debug.tree() introspects the live task table —
// every invocation this actor is currently running, for whichever peer.
func debugModule(a *Actor) msgloop.Module {
	return msgloop.Module{
		"tree": &invoke.Dispatcher{
			Kind: wire.KindAsyncFunc,
			AsyncFunc: func(ctx context.Context, kwargs map[string]interface{}) (interface{}, error) {
				snap := a.table.Snapshot()
				out := make([]map[string]interface{}, 0, len(snap))
				for key, inv := range snap {
					out = append(out, map[string]interface{}{
						"peer_uid": key.PeerUID,
						"call_id":  key.CallID,
						"func":     inv.FuncName,
						"self":     inv.Self,
					})
				}
				return out, nil
			},
		},
	}
}
