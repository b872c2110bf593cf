/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package process implements §4.6: the result processor that updates
// per-(client,check) history, computes flap state, and derives
// create/flapping/resolve events.
package process

import (
	"encoding/json"
	"fmt"
	"math"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/solnx/overseer/internal/aggregate"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/store"
)

// HistoryDepth is the bounded length of a check's status history (§3).
const HistoryDepth = 21

// Dispatch is the callback a Processor invokes for create/flapping/
// resolve/metric events (§4.6 step 7) — normally Dispatcher.HandleEvent.
type Dispatch func(ck *model.EffectiveCheck, ev model.Event)

// Processor reconciles results against history and derives events.
type Processor struct {
	Store      *store.Store
	Registry   *config.Registry
	Aggregator *aggregate.Aggregator
	Dispatch   Dispatch
	Metrics    metrics.Registry
}

func (p *Processor) meter(name string) metrics.Meter {
	return metrics.GetOrRegisterMeter(name, p.Metrics)
}

// ProcessResult implements §4.6.
func (p *Processor) ProcessResult(result model.Result) error {
	clientKey := `client:` + result.Client
	raw, err := p.Store.Get(clientKey)
	if err != nil {
		return fmt.Errorf(`process: lookup client %s: %w`, result.Client, err)
	}
	if raw == `` {
		// orphan result: silently ignored (§4.6 step 1, §7 kind 7)
		return nil
	}

	ck := p.mergeCheck(result)

	if ck.Definition != nil && ck.Definition.Aggregate {
		return p.Aggregator.AggregateResult(result)
	}

	p.meter(`/process/results.per.second`).Mark(1)

	histKey := `history:` + result.Client + `:` + ck.Name
	seenKey := `history:` + result.Client
	if err := p.Store.RPush(histKey, statusString(ck.Status)); err != nil {
		return fmt.Errorf(`process: append history: %w`, err)
	}
	if err := p.Store.SAdd(seenKey, ck.Name); err != nil {
		return fmt.Errorf(`process: track check name: %w`, err)
	}

	history, err := p.Store.LRange(histKey, 0, -1)
	if err != nil {
		return fmt.Errorf(`process: read history: %w`, err)
	}
	if len(history) > HistoryDepth {
		history = history[len(history)-HistoryDepth:]
	}

	var total int
	if len(history) == HistoryDepth {
		total = weightedStateChange(history)
	}
	if err := p.Store.LTrim(histKey, -HistoryDepth, -1); err != nil {
		return fmt.Errorf(`process: trim history: %w`, err)
	}

	eventsKey := `events:` + result.Client
	prevRaw, err := p.Store.HGet(eventsKey, ck.Name)
	if err != nil {
		return fmt.Errorf(`process: read previous event: %w`, err)
	}
	var prev *model.Event
	if prevRaw != `` {
		var e model.Event
		if err := json.Unmarshal([]byte(prevRaw), &e); err != nil {
			return fmt.Errorf(`process: decode previous event: %w`, err)
		}
		prev = &e
	}

	flapping := false
	if ck.Definition != nil && ck.Definition.HasFlapThresholds() {
		switch {
		case total >= ck.Definition.HighFlapThreshold:
			flapping = true
		case prev != nil && prev.Flapping && total <= ck.Definition.LowFlapThreshold:
			flapping = false
		case prev != nil:
			flapping = prev.Flapping
		}
	}

	handle := ck.Definition == nil || ck.Definition.HandlesEvents()

	switch {
	case ck.Status != model.StatusOK || flapping:
		occurrences := 1
		if prev != nil && prev.Status == ck.Status {
			occurrences = prev.Occurrences + 1
		}
		ev := model.Event{
			Client:      result.Client,
			CheckName:   ck.Name,
			Output:      ck.Output,
			Status:      ck.Status,
			Issued:      ck.Issued,
			Handlers:    ck.Handlers,
			Flapping:    flapping,
			Occurrences: occurrences,
		}
		if flapping {
			ev.Action = model.ActionFlapping
		} else {
			ev.Action = model.ActionCreate
		}
		if err := p.persistEvent(eventsKey, ck.Name, ev); err != nil {
			return err
		}
		if handle {
			p.meter(`/process/dispatches.per.second`).Mark(1)
			p.Dispatch(ck, ev)
		}

	case prev != nil:
		if !(ck.Definition != nil && !ck.Definition.AutoResolves() && !ck.Definition.ForceResolve) {
			if err := p.Store.HDel(eventsKey, ck.Name); err != nil {
				return fmt.Errorf(`process: delete resolved event: %w`, err)
			}
			if handle {
				ev := model.Event{
					Client:      result.Client,
					CheckName:   ck.Name,
					Output:      ck.Output,
					Status:      ck.Status,
					Issued:      ck.Issued,
					Occurrences: prev.Occurrences,
					Action:      model.ActionResolve,
				}
				p.meter(`/process/dispatches.per.second`).Mark(1)
				p.Dispatch(ck, ev)
			}
		}

	case ck.Definition != nil && ck.Definition.Type == `metric`:
		ev := model.Event{
			Client:      result.Client,
			CheckName:   ck.Name,
			Output:      ck.Output,
			Status:      ck.Status,
			Issued:      ck.Issued,
			Occurrences: 1,
			Action:      model.ActionNone,
		}
		p.Dispatch(ck, ev)
	}

	return nil
}

// mergeCheck resolves the effective check per §4.6 step 2: config
// check (if any) merged under the result's check, result wins on
// conflicts.
func (p *Processor) mergeCheck(result model.Result) *model.EffectiveCheck {
	ck := &model.EffectiveCheck{Check: result.Check}
	if def, ok := p.Registry.Check(result.Check.Name); ok {
		ck.Definition = def
	}
	return ck
}

func (p *Processor) persistEvent(eventsKey, checkName string, ev model.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf(`process: encode event: %w`, err)
	}
	if err := p.Store.HSet(eventsKey, checkName, string(raw)); err != nil {
		return fmt.Errorf(`process: persist event: %w`, err)
	}
	return nil
}

func statusString(s model.Status) string {
	return fmt.Sprintf(`%d`, int(s))
}

// weightedStateChange computes T ∈ [0,100] over the last 21 statuses
// (§4.6 step 5): weight starts at 0.80 at position 1, +0.02 per
// position through position 20 (weight 1.18 at the most recent
// transition); T = floor((sum/20)*100).
func weightedStateChange(history []string) int {
	if len(history) < HistoryDepth {
		return 0
	}
	var sum float64
	weight := 0.80
	for i := 1; i < HistoryDepth; i++ {
		if history[i] != history[i-1] {
			sum += weight
		}
		weight += 0.02
	}
	return int(math.Floor((sum / 20) * 100))
}
