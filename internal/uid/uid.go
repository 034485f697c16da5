// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package uid implements actor identity (spec §3): uid = (name, instance-id)
// where instance-id is a fresh random token per process, generated the way
// cider-cider/call.go:mustRandomString generates remote-call tokens.
package uid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// UID is the stable key used everywhere a peer is referenced.
type UID struct {
	Name       string `codec:"name"`
	InstanceID string `codec:"instance_id"`
}

func (u UID) String() string {
	return fmt.Sprintf("%s#%s", u.Name, u.InstanceID)
}

// Equal reports whether u and other name the same actor instance.
func (u UID) Equal(other UID) bool {
	return u.Name == other.Name && u.InstanceID == other.InstanceID
}

// New mints a UID for name with a fresh random instance-id. Two actors
// sharing Name are guaranteed (short of a base64-entropy collision) to
// have distinct InstanceID, per spec §3.
func New(name string) UID {
	return UID{Name: name, InstanceID: mustRandomString()}
}

func mustRandomString() string {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
