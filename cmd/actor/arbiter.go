// Copyright (c) 2013 The cider AUTHORS
//
// Use of this source code is governed by The MIT License
// that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tchap/gocli"
	"github.com/wsxiaoys/terminal/color"

	"github.com/cider/nursery/internal/actor"
	arb "github.com/cider/nursery/internal/arbiter"
	"github.com/cider/nursery/internal/config"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/rtlog"
)

var ArbiterCommand = &gocli.Command{
	UsageLine: "arbiter",
	Short:     "run the name-registry node",
	Long: `
  Start the arbiter: the uid-to-address name registry every other actor
  node registers with and queries via find_actor/wait_for_actor.

  ENVIRONMENT:
    ACTOR_NAME          arbiter name (default "arbiter")
    ACTOR_LISTENHOST     interface to bind (default 0.0.0.0)
    ACTOR_LISTENPORT     port to bind (default: random free port)
    ACTOR_PUBADDR        optional zmq PUB endpoint for registry change events
    ACTOR_LOGLEVEL       seelog level: trace, debug, info, warn, error`,
	Action: runArbiter,
}

func runArbiter(cmd *gocli.Command, args []string) {
	if len(args) != 0 {
		cmd.Usage()
		os.Exit(2)
	}

	env := config.NewEnv().MustFeedFromEnv()
	if env.Name == "" {
		env.Name = "arbiter"
	}
	setUpLogging(env.LogLevel)

	var reg *arb.Registry
	if env.PubAddr != "" {
		var err error
		reg, err = arb.NewWithPub(env.PubAddr)
		if err != nil {
			rtlog.Errorf("arbiter: %v", err)
			os.Exit(1)
		}
		defer reg.Close()
	} else {
		reg = arb.New()
	}

	a, err := actor.New(actor.Config{
		Name:       env.Name,
		ListenHost: env.ListenHost,
		ListenPort: env.ListenPort,
		IsArbiter:  true,
		Modules:    map[string]msgloop.Module{"self": arb.Module(reg)},
	})
	if err != nil {
		rtlog.Errorf("arbiter: %v", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		rtlog.Errorf("arbiter: %v", err)
		os.Exit(1)
	}
	color.Printf("@{g}arbiter %s listening on %s\n", a.UID, a.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		color.Println("@{y}interrupted, cancelling ...")
		a.Cancel()
	}()

	a.Run()
	rtlog.Flush()
}
