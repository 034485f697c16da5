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

	log "github.com/cihub/seelog"
	"github.com/tchap/gocli"
	"github.com/wsxiaoys/terminal/color"

	"github.com/cider/nursery/internal/actor"
	"github.com/cider/nursery/internal/config"
	"github.com/cider/nursery/internal/msgloop"
	"github.com/cider/nursery/internal/rtlog"
)

var ServeCommand = &gocli.Command{
	UsageLine: "serve [-config=PATH]",
	Short:     "run an ordinary actor node",
	Long: `
  Start an actor node: bind a listener, register with the arbiter named by
  ACTOR_ARBITERADDR, and serve inbound RPC until interrupted.

  ENVIRONMENT:
    ACTOR_NAME          actor name, used for registration and addressing
    ACTOR_LISTENHOST     interface to bind (default 0.0.0.0)
    ACTOR_LISTENPORT     port to bind (default: random free port)
    ACTOR_ARBITERADDR    arbiter "host:port" to register with
    ACTOR_PARENTADDR     parent actor "host:port" to connect to, if any
    ACTOR_LOGLEVEL       seelog level: trace, debug, info, warn, error`,
	Action: runServe,
}

var configPath string

func init() {
	ServeCommand.Flags.StringVar(&configPath, "config", "", "path to a module allow-list YAML file")
}

func runServe(cmd *gocli.Command, args []string) {
	if len(args) != 0 {
		cmd.Usage()
		os.Exit(2)
	}

	env := config.NewEnv().MustFeedFromEnv()
	setUpLogging(env.LogLevel)

	if configPath != "" {
		if _, err := config.LoadFile(configPath); err != nil {
			rtlog.Errorf("serve: %v", err)
			os.Exit(1)
		}
	}

	a, err := actor.New(actor.Config{
		Name:        env.Name,
		ListenHost:  env.ListenHost,
		ListenPort:  env.ListenPort,
		ArbiterAddr: env.ArbiterAddr,
		ParentAddr:  env.ParentAddr,
		Modules:     map[string]msgloop.Module{},
	})
	if err != nil {
		rtlog.Errorf("serve: %v", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		rtlog.Errorf("serve: %v", err)
		os.Exit(1)
	}
	color.Printf("@{g}actor %s listening on %s\n", a.UID, a.Addr)

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

func setUpLogging(level string) {
	if level == "" {
		level = "info"
	}
	logger, err := log.LoggerFromConfigAsString(`<seelog minlevel="` + level + `"></seelog>`)
	if err != nil {
		panic(err)
	}
	rtlog.UseLogger(logger)
}
