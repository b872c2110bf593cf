/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package dispatch implements §4.5: resolving an event's handlers and
// fanning its mutated payload out across pipe/tcp/udp/amqp/extension
// transports, tracking completions on the in-flight termination
// barrier (§4.9, §9).
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjolnir42/delay"
	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/broker"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/handler"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/mutate"
	"github.com/solnx/overseer/internal/runner"
)

// DefaultSocketTimeout is the tcp handler connect+idle timeout default
// of §4.5/§5.
const DefaultSocketTimeout = 10 * time.Second

// Dispatcher routes mutated events to their resolved handlers.
type Dispatcher struct {
	Registry *config.Registry
	Broker   *broker.Broker

	// InFlight is the teacher's own mjolnir42/delay in-flight counter
	// (`c.delay.Use()`/`c.delay.Done()` in cyclone__process.go/
	// handler.go), kept so every dispatch still marks itself on the
	// same primitive the teacher used.
	InFlight *delay.Delay

	inFlightCount int32
	drained       chan struct{}
}

// New builds a Dispatcher. Every dispatch is marked both on a
// mjolnir42/delay counter (the teacher's own dependency — see
// DESIGN.md) and on an atomic in-flight count; the termination barrier
// Stop (§4.9) waits on is the atomic count, via WaitDrained.
func New(reg *config.Registry, b *broker.Broker) *Dispatcher {
	return &Dispatcher{Registry: reg, Broker: b, InFlight: delay.New(), drained: make(chan struct{}, 1)}
}

// HandleEvent resolves handlers for ev and dispatches the mutated
// payload to each independently; one handler's failure never prevents
// another's dispatch or double-decrements the counter (§4.5).
func (d *Dispatcher) HandleEvent(ctx context.Context, ck *model.EffectiveCheck, ev model.Event, clock handler.Clock) {
	handlers := handler.EventHandlers(d.Registry, ck, ev, clock)
	for _, rh := range handlers {
		d.InFlight.Use()
		atomic.AddInt32(&d.inFlightCount, 1)
		go d.dispatchOne(ctx, rh, ev)
	}
}

// Count reports the number of dispatches still in flight — the
// in-flight counter Stop (§4.9) polls or waits on.
func (d *Dispatcher) Count() int32 { return atomic.LoadInt32(&d.inFlightCount) }

// WaitDrained blocks until every in-flight dispatch has completed, or
// ctx is done. Stop (§4.9) uses this instead of polling the counter.
func (d *Dispatcher) WaitDrained(ctx context.Context) {
	for d.Count() > 0 {
		select {
		case <-d.drained:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rh config.ResolvedHandler, ev model.Event) {
	defer d.InFlight.Done()
	defer func() {
		if atomic.AddInt32(&d.inFlightCount, -1) == 0 {
			select {
			case d.drained <- struct{}{}:
			default:
			}
		}
	}()

	if rh.Extension != nil {
		d.dispatchExtension(rh, ev)
		return
	}

	mutatorName := rh.Def.Mutator
	payload, ok := mutate.Mutate(ctx, d.Registry, mutatorName, ev)
	if !ok {
		// §4.4: mutator failure skips this handler only.
		return
	}

	switch rh.Def.Type {
	case `pipe`:
		d.dispatchPipe(ctx, rh, payload)
	case `tcp`:
		d.dispatchTCP(rh, payload)
	case `udp`:
		d.dispatchUDP(rh, payload)
	case `amqp`:
		d.dispatchAMQP(rh, payload)
	default:
		logrus.WithField(`handler`, rh.Name).WithField(`type`, rh.Def.Type).Error(`dispatch: unknown handler type`)
	}
}

func (d *Dispatcher) dispatchPipe(ctx context.Context, rh config.ResolvedHandler, payload []byte) {
	ok, res := runner.Run(ctx, rh.Def.Command, payload, func(msg string) {
		logrus.WithField(`handler`, rh.Name).WithField(`error`, msg).Error(`dispatch: pipe spawn failed`)
	})
	if !ok {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		logrus.WithField(`handler`, rh.Name).Info(scanner.Text())
	}
}

func (d *Dispatcher) dispatchTCP(rh config.ResolvedHandler, payload []byte) {
	timeout := time.Duration(rh.Def.Socket.Timeout) * time.Second
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	addr := fmt.Sprintf(`%s:%d`, rh.Def.Socket.Host, rh.Def.Socket.Port)
	conn, err := net.DialTimeout(`tcp`, addr, timeout)
	if err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: tcp connect failed`)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(payload); err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: tcp write failed`)
		return
	}
	if c, ok := conn.(*net.TCPConn); ok {
		c.CloseWrite()
	}
}

func (d *Dispatcher) dispatchUDP(rh config.ResolvedHandler, payload []byte) {
	addr := fmt.Sprintf(`%s:%d`, rh.Def.Socket.Host, rh.Def.Socket.Port)
	conn, err := net.Dial(`udp`, addr)
	if err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: udp dial failed`)
		return
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: udp write failed`)
	}
}

func (d *Dispatcher) dispatchAMQP(rh config.ResolvedHandler, payload []byte) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}
	err := d.Broker.PublishExchange(rh.Def.Exchange.Name, rh.Def.Exchange.Type, rh.Def.Exchange.Options, payload)
	if err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: amqp publish failed`)
	}
}

func (d *Dispatcher) dispatchExtension(rh config.ResolvedHandler, ev model.Event) {
	payload, err := mutate.CanonicalJSON(ev)
	if err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: encoding event for extension`)
		return
	}
	if err := rh.Extension.Handle(payload, d.Registry.ToHash()); err != nil {
		logrus.WithError(err).WithField(`handler`, rh.Name).Error(`dispatch: extension handler failed`)
	}
}
