/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package aggregate implements §4.11/§4.12: per-issue rollup of
// aggregate results, and the bounded-history pruner.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/solnx/overseer/internal/model"
	"github.com/solnx/overseer/internal/store"
)

// MaxHistory bounds how many issued timestamps a check's aggregation
// set retains (§3 invariant iv, §4.12).
const MaxHistory = 20

// Aggregator updates the aggregate:/aggregation:/aggregates: keys.
type Aggregator struct {
	Store *store.Store
}

// AggregateResult implements §4.11.
func (a *Aggregator) AggregateResult(result model.Result) error {
	name := result.Check.Name
	issued := fmt.Sprintf(`%d`, result.Check.Issued)
	s := name + `:` + issued

	entry, err := json.Marshal(model.AggregationEntry{
		Output: result.Check.Output,
		Status: result.Check.Status,
	})
	if err != nil {
		return fmt.Errorf(`aggregate: encode entry: %w`, err)
	}
	if err := a.Store.HSet(`aggregation:`+s, result.Client, string(entry)); err != nil {
		return fmt.Errorf(`aggregate: store client entry: %w`, err)
	}

	if err := a.Store.EvalAtomicAggregate(`aggregate:`+s, severityField(result.Check.Status)); err != nil {
		return fmt.Errorf(`aggregate: increment counters: %w`, err)
	}

	if err := a.Store.SAdd(`aggregates:`+name, issued); err != nil {
		return fmt.Errorf(`aggregate: track issued: %w`, err)
	}
	if err := a.Store.SAdd(`aggregates`, name); err != nil {
		return fmt.Errorf(`aggregate: track check name: %w`, err)
	}
	return nil
}

func severityField(s model.Status) string {
	switch s {
	case model.StatusOK:
		return `ok`
	case model.StatusWarning:
		return `warning`
	case model.StatusCritical:
		return `critical`
	default:
		return `unknown`
	}
}

// Pruner trims aggregation history to MaxHistory newest entries per
// check (§4.12), run on a periodic timer by the reactor.
type Pruner struct {
	Store *store.Store
}

// Prune performs one pass over every check name in the `aggregates` set.
func (p *Pruner) Prune() error {
	names, err := p.Store.SMembers(`aggregates`)
	if err != nil {
		return fmt.Errorf(`aggregate: list check names: %w`, err)
	}
	for _, name := range names {
		if err := p.pruneCheck(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pruner) pruneCheck(name string) error {
	issuedSet, err := p.Store.SMembers(`aggregates:` + name)
	if err != nil {
		return fmt.Errorf(`aggregate: list issued for %s: %w`, name, err)
	}
	if len(issuedSet) <= MaxHistory {
		return nil
	}

	timestamps := make([]int64, 0, len(issuedSet))
	for _, raw := range issuedSet {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	excess := len(timestamps) - MaxHistory
	for _, ts := range timestamps[:excess] {
		issued := fmt.Sprintf(`%d`, ts)
		s := name + `:` + issued
		if err := p.Store.SRem(`aggregates:`+name, issued); err != nil {
			return fmt.Errorf(`aggregate: prune %s: %w`, s, err)
		}
		if err := p.Store.Del(`aggregate:`+s, `aggregation:`+s); err != nil {
			return fmt.Errorf(`aggregate: delete %s: %w`, s, err)
		}
	}
	return nil
}
