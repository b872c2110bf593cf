/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/broker"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/reactor"
	"github.com/solnx/overseer/internal/store"
)

func main() {
	confPath := flag.String(`config`, `overseer.conf`, `path to the TOML configuration file`)
	flag.Parse()

	reg, err := config.Load(*confPath)
	if err != nil {
		logrus.WithError(err).Fatal(`overseerd: loading config`)
	}

	if reg.Testing() {
		logrus.SetLevel(logrus.DebugLevel)
	}

	st := store.New(store.Config{
		Addr:     reg.Redis().Connect,
		Password: reg.Redis().Password,
		DB:       reg.Redis().DB,
	})

	br, err := broker.Dial(reg.AMQP().URI)
	if err != nil {
		logrus.WithError(err).Fatal(`overseerd: dialing broker`)
	}

	rx := reactor.New(reg, st, br)

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		fatal := false
		select {
		case s := <-sig:
			logrus.WithField(`signal`, s.String()).Info(`overseerd: initiating orderly stop`)
		case err := <-rx.Death:
			logrus.WithError(err).Error(`overseerd: fatal backend error, initiating orderly stop`)
			fatal = true
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		rx.Stop(stopCtx)
		cancel()
		if fatal {
			os.Exit(1)
		}
	}()

	logrus.Info(`overseerd: starting`)
	rx.Run(ctx)
	logrus.Info(`overseerd: stopped`)
}
