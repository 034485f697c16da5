// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

// Package config implements the ambient startup configuration every actor
// process reads before it runs: mandatory environment variables fed the
// way go-meeko/meekod's zmq3 endpoints feed theirs (nutrition.Env(prefix)),
// plus an optional YAML file of module overrides, the way
// cider-cider/install's templates lay out a node's static configuration.
package config

import (
	"fmt"
	"os"

	"github.com/dmotylev/nutrition"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix every ACTOR_* environment variable shares.
const EnvPrefix = "ACTOR_"

// Env is fed directly from the process environment (spec's ambient config
// section): where to listen, where the arbiter lives, and how verbose to
// be. Field names map to ACTOR_<NAME> by nutrition's default convention.
type Env struct {
	Name        string
	ListenHost  string
	ListenPort  int
	ArbiterAddr string
	IsArbiter   bool
	LogLevel    string
	ParentAddr  string
	PubAddr     string
}

// NewEnv returns an Env with the defaults cider-cider's own daemon configs
// use: bind everywhere, log at info.
func NewEnv() *Env {
	return &Env{
		ListenHost: "0.0.0.0",
		ListenPort: 0,
		LogLevel:   "info",
	}
}

// FeedFromEnv populates e from the process environment under EnvPrefix.
func (e *Env) FeedFromEnv() error {
	return nutrition.Env(EnvPrefix).Feed(e)
}

// MustFeedFromEnv panics on a malformed environment, the way
// meekod's endpoint configs fail fast at startup rather than limping on.
func (e *Env) MustFeedFromEnv() *Env {
	if err := e.FeedFromEnv(); err != nil {
		panic(fmt.Sprintf("config: feeding %s* environment: %v", EnvPrefix, err))
	}
	return e
}

// ModuleEntry names one module an actor should expose. It carries only the
// name; the runtime resolves modules from those pre-registered in Go.
type ModuleEntry struct {
	Name string `yaml:"name"`
}

// File is the optional on-disk allow-list (spec §6: "a static mapping
// module-name → ...", expressed here as a plain YAML list the operator
// edits directly rather than a filesystem convention).
type File struct {
	Modules []ModuleEntry `yaml:"modules"`
}

// LoadFile reads and parses a module allow-list from path. A missing file
// is not an error — it means "no override", matching cider-cider's own
// optional per-node config files.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// Allows reports whether name appears in the file's allow-list, or
// whether the allow-list is empty (no override means no restriction).
func (f *File) Allows(name string) bool {
	if len(f.Modules) == 0 {
		return true
	}
	for _, m := range f.Modules {
		if m.Name == name {
			return true
		}
	}
	return false
}
