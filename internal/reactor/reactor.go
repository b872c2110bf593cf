/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package reactor assembles the store, broker, processor, dispatcher
// and master components and runs them on goroutines: each broker queue
// is drained on its own goroutine (results are processed one at a time
// in delivery order), each periodic loop (store ping, lock renewal,
// publisher, watchdog, pruner) runs on its own goroutine, and every
// handler dispatch runs on a goroutine of its own. There is no single
// goroutine that serializes all of these; state they share lives in
// the key-value store or behind the owning component's mutex or
// atomic counter.
package reactor

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/aggregate"
	"github.com/solnx/overseer/internal/broker"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/dispatch"
	"github.com/solnx/overseer/internal/keepalive"
	"github.com/solnx/overseer/internal/master"
	"github.com/solnx/overseer/internal/metrics"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/process"
	"github.com/solnx/overseer/internal/publish"
	"github.com/solnx/overseer/internal/store"
	"github.com/solnx/overseer/internal/watchdog"
)

// PingInterval drives the store's §4.9 connection lifecycle detection.
const PingInterval = 5 * time.Second

// PruneInterval is the aggregation pruner period of §4.12/§5.
const PruneInterval = 20 * time.Second

// WatchdogInterval is the stale-client watchdog period of §4.10/§5.
const WatchdogInterval = 30 * time.Second

const resultsConsumerTag = `overseer-results`

// Reactor owns every long-lived component and the goroutines reading
// from the broker.
type Reactor struct {
	Registry *config.Registry
	Store    *store.Store
	Broker   *broker.Broker

	Processor  *process.Processor
	Dispatcher *dispatch.Dispatcher
	Aggregator *aggregate.Aggregator
	Pruner     *aggregate.Pruner
	Keepalive  *keepalive.Consumer
	Publisher  *publish.Scheduler
	Watchdog   *watchdog.Watchdog
	Master     *master.Master

	// Death is where a fatal backend error (§7 kind 1) surfaces —
	// directly adapted from the teacher's `Cyclone.Death chan error`.
	// The caller (cmd/overseerd) selects on it alongside its signal
	// channel and drives the same orderly Stop as SIGINT/SIGTERM.
	Death chan error

	cancel context.CancelFunc
}

// New wires every component from an already-loaded registry, store and
// broker connection. The registry's extension handlers/mutators must
// already be registered by the caller before New is invoked.
func New(reg *config.Registry, st *store.Store, br *broker.Broker) *Reactor {
	reg2 := metrics.NewRegistry()
	dispatcher := dispatch.New(reg, br)
	aggregator := &aggregate.Aggregator{Store: st}
	clock := func() time.Time { return time.Now() }

	r := &Reactor{
		Registry: reg,
		Store:    st,
		Broker:   br,

		Aggregator: aggregator,
		Pruner:     &aggregate.Pruner{Store: st},
		Keepalive:  &keepalive.Consumer{Store: st},
		Publisher:  &publish.Scheduler{Registry: reg, Broker: br, Now: clock},
		Watchdog:   &watchdog.Watchdog{Store: st, Broker: br, Now: func() int64 { return time.Now().Unix() }, Metrics: reg2},
		Dispatcher: dispatcher,

		Death: make(chan error, 1),
	}

	r.Processor = &process.Processor{
		Store:      st,
		Registry:   reg,
		Aggregator: aggregator,
		Metrics:    reg2,
		Dispatch: func(ck *model.EffectiveCheck, ev model.Event) {
			r.Dispatcher.HandleEvent(context.Background(), ck, ev, clock)
		},
	}

	life := master.Lifecycle{
		Subscribe:   r.subscribeQueues,
		Unsubscribe: r.unsubscribeQueues,
		StartMasterDuties: func(ctx context.Context) context.CancelFunc {
			mctx, cancel := context.WithCancel(ctx)
			r.Publisher.Start(mctx)
			go r.runWatchdogLoop(mctx)
			go r.runPrunerLoop(mctx)
			return cancel
		},
		StopReactor: func() {
			if r.cancel != nil {
				r.cancel()
			}
		},
	}
	r.Master = master.New(st, dispatcher, func() int64 { return time.Now().Unix() }, reg.Testing(), life)
	r.Master.Metrics = reg2

	return r
}

// Run starts the reactor: connection-lifecycle ping loop, master
// bootstrap, and blocks until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wireBackendPolicy(ctx)

	if err := r.Master.Start(ctx); err != nil {
		logrus.WithError(err).Error(`reactor: master start`)
	}

	go r.runPingLoop(ctx)

	<-ctx.Done()
}

// Stop initiates an orderly shutdown (§4.9's Stop).
func (r *Reactor) Stop(ctx context.Context) {
	r.Master.Stop(ctx)
}

func (r *Reactor) runPingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Store.Ping()
		}
	}
}

func (r *Reactor) runWatchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Watchdog.Tick(); err != nil {
				logrus.WithError(err).Error(`reactor: watchdog tick`)
			}
		}
	}
}

func (r *Reactor) runPrunerLoop(ctx context.Context) {
	ticker := time.NewTicker(PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Pruner.Prune(); err != nil {
				logrus.WithError(err).Error(`reactor: aggregate prune`)
			}
		}
	}
}

// subscribeQueues (re-)subscribes both broker queues and starts one
// drain goroutine per queue. Consumer cancellation of any prior
// subscription on the same tag happens inside Broker.Consume/
// keepalive.Consumer.Subscribe.
func (r *Reactor) subscribeQueues() error {
	keepaliveCh, err := r.Keepalive.Subscribe(r.Broker)
	if err != nil {
		return err
	}
	resultsCh, err := r.Broker.Consume(broker.QueueResults, resultsConsumerTag)
	if err != nil {
		return err
	}

	go func() {
		for d := range keepaliveCh {
			r.Keepalive.Handle(d)
		}
	}()
	go func() {
		for d := range resultsCh {
			r.handleResult(d)
		}
	}()
	return nil
}

// unsubscribeQueues cancels both consumer tags; it honors ctx's
// ceiling by not blocking past it (cancellation itself is a single
// AMQP round-trip, handled by the broker's channel).
func (r *Reactor) unsubscribeQueues(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Broker.Cancel(keepalive.ConsumerTag); err != nil {
			logrus.WithError(err).Warn(`reactor: cancelling keepalives consumer`)
		}
		if err := r.Broker.Cancel(resultsConsumerTag); err != nil {
			logrus.WithError(err).Warn(`reactor: cancelling results consumer`)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) handleResult(d amqp.Delivery) {
	var result model.Result
	if err := json.Unmarshal(d.Body, &result); err != nil {
		logrus.WithError(err).Error(`reactor: malformed result, dropping`)
		d.Ack(false)
		return
	}
	if err := r.Processor.ProcessResult(result); err != nil {
		logrus.WithError(err).WithField(`client`, result.Client).WithField(`check`, result.Check.Name).Error(`reactor: processing result`)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// wireBackendPolicy installs the §4.9 backend disconnect policy onto
// the store and broker connection-lifecycle hooks.
func (r *Reactor) wireBackendPolicy(ctx context.Context) {
	r.Store.OnError(func(err error) {
		logrus.WithError(err).Error(`reactor: key-value store connection error`)
		r.die(err)
	})
	r.Store.BeforeReconnect(func() {
		if !r.Registry.Testing() {
			r.Master.Pause(ctx)
		}
	})
	r.Store.AfterReconnect(func() {
		r.Master.Resume(ctx, func() bool { return r.Store.Connected() })
	})

	r.Broker.OnError(func(err error) {
		logrus.WithError(err).Error(`reactor: broker connection error`)
		r.die(err)
	})
	r.Broker.BeforeReconnect(func() {
		r.Master.Resign()
	})
	r.Broker.AfterReconnect(func() {
		logrus.Info(`reactor: broker reconnected, prefetch re-armed`)
	})
}

// die surfaces a fatal backend error on Death (§7 kind 1) instead of
// exiting the process directly, so the caller can drain in-flight
// dispatches (Dispatcher.WaitDrained) before the process goes down.
// Non-blocking: a second fatal error while the first is still
// unconsumed is dropped rather than blocking the connection-lifecycle
// goroutine that reported it.
func (r *Reactor) die(err error) {
	select {
	case r.Death <- err:
	default:
	}
}
