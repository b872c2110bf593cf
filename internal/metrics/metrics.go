/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package metrics provides the process-wide go-metrics registry the
// reactor's result processor, master and watchdog record rates into
// (`/process/results.per.second`, `/process/dispatches.per.second`,
// `/master/elections.per.second`, `/watchdog/synthesized.per.second`),
// the same GetOrRegisterMeter usage the teacher's cyclone package
// built its own meters on.
package metrics

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// NewRegistry allocates a fresh meter registry for one process.
func NewRegistry() metrics.Registry {
	return metrics.NewRegistry()
}

// LogEvery periodically writes every registered meter's rate1 to the
// structured logger, until stop is closed — the idiomatic replacement for
// the teacher's own metrics.Log-to-stderr convention.
func LogEvery(reg metrics.Registry, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reg.Each(func(name string, metric interface{}) {
				m, ok := metric.(metrics.Meter)
				if !ok {
					return
				}
				logrus.WithField(`metric`, name).WithField(`rate1`, m.Rate1()).Debug(`metrics`)
			})
		}
	}
}
