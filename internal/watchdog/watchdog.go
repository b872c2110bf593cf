/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package watchdog implements §4.10: the stale-client watchdog that
// synthesizes keepalive check results from client timestamp age and
// re-injects them through the broker's results queue.
package watchdog

import (
	"encoding/json"
	"fmt"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/broker"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/store"
)

// CheckName is the synthesized check's fixed name (§4.10).
const CheckName = `keepalive`

// Thresholds, in seconds, on client timestamp age (§4.10).
const (
	CriticalAge = 180
	WarningAge  = 120
)

// ResultPublisher is the narrow broker surface the watchdog re-injects
// synthetic results through; *broker.Broker satisfies it.
type ResultPublisher interface {
	PublishQueue(queue string, body []byte) error
}

// Watchdog synthesizes keepalive results for clients whose timestamp
// has aged past the warning/critical thresholds.
type Watchdog struct {
	Store   *store.Store
	Broker  ResultPublisher
	Now     func() int64
	Metrics metrics.Registry
}

func (w *Watchdog) meter(name string) metrics.Meter {
	return metrics.GetOrRegisterMeter(name, w.Metrics)
}

// Tick performs one watchdog pass over every tracked client name (§4.10).
func (w *Watchdog) Tick() error {
	names, err := w.Store.SMembers(`clients`)
	if err != nil {
		return fmt.Errorf(`watchdog: list clients: %w`, err)
	}
	for _, name := range names {
		if err := w.tickClient(name); err != nil {
			logrus.WithError(err).WithField(`client`, name).Error(`watchdog: processing client`)
		}
	}
	return nil
}

func (w *Watchdog) tickClient(name string) error {
	raw, err := w.Store.Get(`client:` + name)
	if err != nil {
		return fmt.Errorf(`read client: %w`, err)
	}
	if raw == `` {
		return nil
	}
	var client model.Client
	if err := json.Unmarshal([]byte(raw), &client); err != nil {
		return fmt.Errorf(`decode client: %w`, err)
	}

	now := w.Now()
	delta := now - client.Timestamp

	var (
		status model.Status
		output string
		send   bool
	)
	switch {
	case delta >= CriticalAge:
		status, output, send = model.StatusCritical, `No keep-alive sent from client in over 180 seconds`, true
	case delta >= WarningAge:
		status, output, send = model.StatusWarning, `No keep-alive sent from client in over 120 seconds`, true
	default:
		hasEvent, err := w.Store.HExists(`events:`+name, CheckName)
		if err != nil {
			return fmt.Errorf(`check existing keepalive event: %w`, err)
		}
		if hasEvent {
			status, output, send = model.StatusOK, ``, true
		}
	}
	if !send {
		return nil
	}

	result := model.Result{
		Client: name,
		Check: model.Check{
			Name:   CheckName,
			Status: status,
			Output: output,
			Issued: now,
		},
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf(`encode synthetic result: %w`, err)
	}
	if err := w.Broker.PublishQueue(broker.QueueResults, body); err != nil {
		return fmt.Errorf(`publish synthetic result: %w`, err)
	}
	w.meter(`/watchdog/synthesized.per.second`).Mark(1)
	return nil
}
