// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/tchap/gocli"
)

const version = "0.1.0"

func main() {
	app := gocli.NewApp("actor")
	app.UsageLine = "actor SUBCMD"
	app.Short = "run a structured-concurrency actor node"
	app.Version = version
	app.Long = `
  actor starts either an ordinary actor node or the name-registry arbiter
  node, wired to exchange MessagePack-framed RPC over TCP the way
  cider-cider's own master/slave nodes do.

  Configuration is read from ACTOR_* environment variables; see each
  subcommand's -help for the exact names.`

	app.MustRegisterSubcommand(ServeCommand)
	app.MustRegisterSubcommand(ArbiterCommand)

	app.Run(os.Args[1:])
}
