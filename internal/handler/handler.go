/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package handler implements §4.3: handler-name expansion (including
// one-level "sets"), the per-event handler gating pipeline, and the
// check subdue policy.
package handler

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solnx/overseer/internal/config"
	"github.com/solnx/overseer/internal/filter"
	"github.com/solnx/overseer/internal/model"
)

// GateHandler is where a subdue window is evaluated against (§4.3).
type GateHandler string

const (
	GateHandlerDispatch GateHandler = `handler`
	GatePublisher       GateHandler = `publisher`
)

// Clock abstracts "now" so subdue/weekday tests are deterministic.
type Clock func() time.Time

// DeriveHandlers expands each name per §4.3: a "set" handler is
// inline-expanded once (nested sets are illegal, logged and skipped);
// any other config handler type is included tagged with its name; an
// extension handler is included as a callable; an unknown name is
// logged and skipped. Duplicates are removed by identity of the
// expanded record.
func DeriveHandlers(reg *config.Registry, names []string) []config.ResolvedHandler {
	var out []config.ResolvedHandler
	seen := map[string]bool{}

	var expandOne func(name string, allowSet bool)
	expandOne = func(name string, allowSet bool) {
		if def, ok := reg.Handler(name); ok {
			if def.Type == `set` {
				if !allowSet {
					logrus.WithField(`handler`, name).Error(`handler: nested handler sets are illegal`)
					return
				}
				for _, sub := range def.Handlers {
					expandOne(sub, false)
				}
				return
			}
			if !seen[name] {
				seen[name] = true
				out = append(out, config.ResolvedHandler{Name: name, Def: def})
			}
			return
		}
		if ext, ok := reg.ExtensionHandler(name); ok {
			if !seen[name] {
				seen[name] = true
				out = append(out, config.ResolvedHandler{Name: name, Extension: ext})
			}
			return
		}
		logrus.WithField(`handler`, name).Error(`handler: unknown handler`)
	}

	for _, n := range names {
		expandOne(n, true)
	}
	return out
}

// severityName renders a status the way a handler's `severities` list
// names it (§3's fixed status table).
func severityName(s model.Status) string {
	return s.String()
}

// EventHandlers resolves and gates the handlers for event (§4.3).
func EventHandlers(reg *config.Registry, ck *model.EffectiveCheck, ev model.Event, now Clock) []config.ResolvedHandler {
	resolved := DeriveHandlers(reg, ck.HandlerNames())

	out := resolved[:0:0]
	for _, rh := range resolved {
		if rh.Def == nil {
			// Extension handlers carry none of the config-handler gates
			// (severities/filters/subdue/handle_flapping) — included as-is.
			out = append(out, rh)
			continue
		}

		if ev.Action == model.ActionFlapping && !rh.Def.HandleFlapping {
			continue
		}

		if ck.Definition != nil && CheckSubdued(ck.Definition, GateHandlerDispatch, now) {
			continue
		}

		if len(rh.Def.Severities) > 0 && ev.Action != model.ActionResolve {
			found := false
			want := severityName(ev.Status)
			for _, s := range rh.Def.Severities {
				if s == want {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}

		filters := rh.Def.Filters
		if rh.Def.Filter != `` {
			filters = append(append([]string{}, filters...), rh.Def.Filter)
		}
		dropped := false
		for _, fname := range filters {
			if filter.EventFiltered(reg, fname, eventAttributes(ev)) {
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}

		out = append(out, rh)
	}
	return out
}

// eventAttributes flattens an event into the attribute map filters
// match against (§4.2).
func eventAttributes(ev model.Event) map[string]interface{} {
	return map[string]interface{}{
		`output`:      ev.Output,
		`status`:      int(ev.Status),
		`issued`:      ev.Issued,
		`flapping`:    ev.Flapping,
		`occurrences`: ev.Occurrences,
		`action`:      string(ev.Action),
		`check`:       ev.CheckName,
		`client`:      ev.Client,
	}
}

// CheckSubdued implements the subdue policy of §4.3.
func CheckSubdued(def *model.CheckDefinition, at GateHandler, now Clock) bool {
	if def == nil || def.Subdue == nil {
		return false
	}
	s := def.Subdue
	if s.GateName() != string(at) {
		return false
	}

	t := now()

	inWindow := windowCovers(s.Begin, s.End, t)
	inDays := dayMatches(s.Days, t)
	if !inWindow && !inDays {
		return false
	}

	for _, ex := range s.Exceptions {
		if windowCovers(ex.Begin, ex.End, t) {
			return false
		}
	}
	return true
}

// windowCovers reports whether t's time-of-day falls in [begin,end],
// handling the midnight wrap-around case where end < begin (§4.3).
func windowCovers(begin, end string, t time.Time) bool {
	if begin == `` || end == `` {
		return false
	}
	b, errB := time.Parse(`15:04`, begin)
	e, errE := time.Parse(`15:04`, end)
	if errB != nil || errE != nil {
		return false
	}
	nowMinutes := t.Hour()*60 + t.Minute()
	beginMinutes := b.Hour()*60 + b.Minute()
	endMinutes := e.Hour()*60 + e.Minute()

	if endMinutes < beginMinutes {
		// crosses midnight: covers [begin,24:00) U [00:00,end]
		return nowMinutes >= beginMinutes || nowMinutes <= endMinutes
	}
	return nowMinutes >= beginMinutes && nowMinutes <= endMinutes
}

func dayMatches(days []string, t time.Time) bool {
	if len(days) == 0 {
		return false
	}
	today := t.Weekday().String()
	for _, d := range days {
		if d == today {
			return true
		}
	}
	return false
}
