/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package publish implements §4.8: the per-check periodic scheduler
// that emits check requests onto each check's subscriber exchanges.
package publish

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/handler"
	"github.com/solnx/overseer/internal/model"
)

// request is the wire shape published to subscriber exchanges (§4.8).
type request struct {
	Name    string `json:"name"`
	Command string `json:"command"`
	Issued  int64  `json:"issued"`
}

// FanoutPublisher is the narrow broker surface the scheduler publishes
// check requests through; *broker.Broker satisfies it.
type FanoutPublisher interface {
	PublishFanout(exchange string, body []byte) error
}

// Scheduler starts one staggered periodic timer per publishable check.
type Scheduler struct {
	Registry *config.Registry
	Broker   FanoutPublisher
	Now      handler.Clock
}

// Start launches a goroutine per publishable check definition and
// returns once every goroutine has been spawned; each goroutine runs
// until ctx is done. The i'th check's first tick is staggered by
// (2*i mod 30) seconds so a large check set does not fire in a single
// burst at startup (§4.8).
func (s *Scheduler) Start(ctx context.Context) {
	names := make([]string, 0, len(s.Registry.Checks()))
	for name, def := range s.Registry.Checks() {
		if def.ShouldPublish() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i, name := range names {
		def, ok := s.Registry.Check(name)
		if !ok {
			continue
		}
		go s.run(ctx, def, Stagger(i))
	}
}

// Stagger returns the i'th publishable check's startup delay: (2*i
// mod 30) seconds, so a large check set does not fire in a single
// burst at startup (§4.8).
func Stagger(i int) time.Duration {
	return time.Duration((2*i)%30) * time.Second
}

func (s *Scheduler) run(ctx context.Context, def *model.CheckDefinition, stagger time.Duration) {
	interval := time.Duration(def.Interval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	timer := time.NewTimer(stagger)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Fire(def)
			timer.Reset(interval)
		}
	}
}

// Fire builds and publishes one round of check requests for def,
// unless the publisher gate of its subdue window is active (§4.3).
// This is the step run performs on every tick; exported so it can be
// exercised directly without waiting on real timers.
func (s *Scheduler) Fire(def *model.CheckDefinition) {
	if handler.CheckSubdued(def, handler.GatePublisher, s.Now) {
		return
	}

	body, err := json.Marshal(request{
		Name:    def.Name,
		Command: def.Command,
		Issued:  s.Now().Unix(),
	})
	if err != nil {
		logrus.WithError(err).WithField(`check`, def.Name).Error(`publish: encoding request`)
		return
	}

	seen := map[string]bool{}
	for _, sub := range def.Subscribers {
		if seen[sub] {
			continue
		}
		seen[sub] = true
		if err := s.Broker.PublishFanout(sub, body); err != nil {
			logrus.WithError(err).WithField(`check`, def.Name).WithField(`subscriber`, sub).Error(`publish: fanout failed`)
		}
	}
}
